package queue

import (
	"context"
	"errors"
)

// Multi polls several sources as one, e.g. a thing's message queue and its
// event queue. A failing source does not hide deliveries from the others.
type Multi struct {
	sources []Source
}

func NewMulti(sources ...Source) *Multi {
	return &Multi{sources: sources}
}

// Poll returns the deliveries of every source. An error is reported only
// when no source produced deliveries.
func (m *Multi) Poll(ctx context.Context) ([]*Delivery, error) {
	var out []*Delivery
	var errs []error
	for _, s := range m.sources {
		ds, err := s.Poll(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ds...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sources {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
