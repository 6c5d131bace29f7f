package ingest

import "context"

// Adapter is the capability set each source family implements. Supports is
// a cheap, side-effect-free shape check that may read a small prefix of the
// file and must return false (never panic or error) on unreadable inputs.
// Parse reads the input fully and releases the file handle before returning.
type Adapter interface {
	SourceType() string
	Supports(path string) bool
	Parse(ctx context.Context, path string) (*AdapterResult, error)
}

// Registry dispatches an input to the first adapter that claims it. Probe
// order is fixed at construction and authoritative: a parse failure is not
// retried against later adapters.
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates a registry probing adapters in the given order.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Dispatch probes adapters in order and parses with the first that claims
// the input. It returns (nil, nil) when no adapter claims it.
func (r *Registry) Dispatch(ctx context.Context, path string) (*AdapterResult, error) {
	for _, a := range r.adapters {
		if !a.Supports(path) {
			continue
		}
		res, err := a.Parse(ctx, path)
		if err != nil {
			return nil, err
		}
		if res.SourceType == "" {
			res.SourceType = a.SourceType()
		}
		return res, nil
	}
	return nil, nil
}

// Adapters returns the probe order. The slice must not be modified.
func (r *Registry) Adapters() []Adapter { return r.adapters }
