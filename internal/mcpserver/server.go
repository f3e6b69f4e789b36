// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes read-only queries over ingested images and files via stdio transport.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/blob"
	"github.com/starford/rhizocam/internal/files"
	"github.com/starford/rhizocam/internal/models"
)

// Images is the image query surface of the record store.
type Images interface {
	GetImage(ctx context.Context, messageIdentifier string) (*models.ImageRecord, error)
	ListImages(ctx context.Context, f models.ImageFilter) ([]models.ImageRecord, error)
	CountImages(ctx context.Context, cameraIdentifier string) (int, error)
}

// Server wraps the MCP server with the query tools.
type Server struct {
	mcp    *server.MCPServer
	images Images
	blobs  blob.Materializer
	files  *files.Library
}

// New creates a new MCP server with all tools registered.
func New(images Images, blobs blob.Materializer, lib *files.Library) *Server {
	s := &Server{images: images, blobs: blobs, files: lib}

	s.mcp = server.NewMCPServer(
		"Rhizocam",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_images",
		mcp.WithDescription("List ingested camera images, newest first."),
		mcp.WithString("camera", mcp.Description("Optional camera identifier to filter by")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Number of records to skip")),
	), s.listImages)

	s.mcp.AddTool(mcp.NewTool("count_images",
		mcp.WithDescription("Count ingested images, optionally for one camera."),
		mcp.WithString("camera", mcp.Description("Optional camera identifier")),
	), s.countImages)

	s.mcp.AddTool(mcp.NewTool("get_image",
		mcp.WithDescription("Get the record of one image by message identifier, optionally with the JPEG itself."),
		mcp.WithString("message_identifier", mcp.Required(), mcp.Description("S3I message identifier of the image")),
		mcp.WithBoolean("include_image", mcp.Description("Attach the image bytes")),
	), s.getImage)

	s.mcp.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List the current version of every file in the files collection."),
	), s.listFiles)

	s.mcp.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a text file from the files collection."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Logical path of the file")),
		mcp.WithNumber("version", mcp.Description("Version number (default: current)")),
	), s.readFile)

	s.mcp.AddTool(mcp.NewTool("file_versions",
		mcp.WithDescription("List every stored version of a file, oldest first."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Logical path of the file")),
	), s.fileVersions)

	s.mcp.AddResource(
		mcp.NewResource(SchemaURI, "Record Collections",
			mcp.WithResourceDescription("Columns of the images and files collections."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readSchemaResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) listImages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recs, err := s.images.ListImages(ctx, models.ImageFilter{
		CameraIdentifier: req.GetString("camera", ""),
		Limit:            req.GetInt("limit", 0),
		Offset:           req.GetInt("offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if recs == nil {
		recs = []models.ImageRecord{}
	}
	return jsonResult(recs), nil
}

func (s *Server) countImages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := s.images.CountImages(ctx, req.GetString("camera", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprint(n)), nil
}

func (s *Server) getImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("message_identifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.images.GetImage(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	meta, _ := json.MarshalIndent(rec, "", "  ")
	if !req.GetBool("include_image", false) {
		return mcp.NewToolResultText(string(meta)), nil
	}

	sp, err := models.ParseStoredPath(rec.Path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.blobs.Retrieve(ctx, sp)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultImage(string(meta), base64.StdEncoding.EncodeToString(data), blob.DetectContentType(data)), nil
}

func (s *Server) listFiles(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recs, err := s.files.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%d\t%s", r.Path, r.FileVersion, r.Size, r.ContentType))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.files.Read(ctx, path, req.GetInt("version", 0))
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if ct := blob.DetectContentType(data); !strings.HasPrefix(ct, "text/") {
		return mcp.NewToolResultError(fmt.Sprintf("%s is %s, not text", path, ct)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) fileVersions(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	versions, err := s.files.Versions(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(versions) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	return jsonResult(versions), nil
}

func (s *Server) readSchemaResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      SchemaURI,
			MIMEType: "text/markdown",
			Text:     SchemaContract(),
		},
	}, nil
}
