package mcpserver

import (
	"fmt"
	"strings"

	"github.com/starford/rhizocam/internal/store"
)

// SchemaURI is the resource describing the record collections.
const SchemaURI = "rhizocam://schema"

// SchemaContract renders the declared columns of every collection as Markdown.
func SchemaContract() string {
	var b strings.Builder
	b.WriteString("# Rhizocam Record Collections\n\n")
	b.WriteString("Records are append-only for `images` (one row per messageIdentifier) and\n")
	b.WriteString("one row per path for `files`, pointing at the newest stored version.\n")
	b.WriteString("Stored paths have the form `<path>@v<N>`.\n")
	for _, name := range []string{store.CollectionImages, store.CollectionFiles} {
		cols, _ := store.Columns(name)
		fmt.Fprintf(&b, "\n## %s\n\n| column | type | required |\n|---|---|---|\n", name)
		for _, c := range cols {
			req := "no"
			if c.Required {
				req = "yes"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", c.Name, c.Kind, req)
		}
	}
	return b.String()
}
