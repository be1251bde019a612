package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/filter"
	"github.com/c360/attrstream/grammar"
	"github.com/c360/attrstream/metric"
)

// DefaultBatchTimeout bounds ReadAttributes and WriteAttributes
const DefaultBatchTimeout = 5 * time.Second

// AttributeConfig configures an AttributeRepository
type AttributeConfig struct {
	Resource     string
	BatchTimeout time.Duration
	// DispatchConcurrency limits parallel Offer calls per event; zero
	// means one goroutine per attribute.
	DispatchConcurrency int
}

// AttributeDeps are the collaborators of an AttributeRepository
type AttributeDeps struct {
	Executor Executor
	Parser   *grammar.Parser
	Filters  *filter.Compiler
	Metrics  *metric.Metrics
	Logger   *slog.Logger
}

// BatchResult holds the per-attribute outcome of a batch operation. A name
// appears in exactly one of the two maps.
type BatchResult struct {
	Values map[string]any   `json:"values"`
	Errors map[string]error `json:"-"`
}

// Complete reports whether every attribute succeeded
func (b BatchResult) Complete() bool {
	return len(b.Errors) == 0
}

// AttributeRepository is the name-indexed attribute set of one resource
type AttributeRepository struct {
	cfg      AttributeConfig
	executor Executor
	parser   *grammar.Parser
	filters  *filter.Compiler
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	attrs  map[string]attribute.Attribute
	order  []string
	closed bool
}

var _ attribute.Resolver = (*AttributeRepository)(nil)

// NewAttributeRepository creates an empty repository
func NewAttributeRepository(cfg AttributeConfig, deps AttributeDeps) (*AttributeRepository, error) {
	if deps.Executor == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "AttributeRepository", "New", "check executor")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}

	parser := deps.Parser
	if parser == nil {
		var err error
		if parser, err = grammar.NewParser(); err != nil {
			return nil, err
		}
	}
	filters := deps.Filters
	if filters == nil {
		filters = filter.NewCompiler()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AttributeRepository{
		cfg:      cfg,
		executor: deps.Executor,
		parser:   parser,
		filters:  filters,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "attribute-repository", "resource", cfg.Resource),
		attrs:    make(map[string]attribute.Attribute),
	}, nil
}

// Connect parses the descriptor, builds the attribute, attaches its filter
// and registers it under name. Configuration errors are Invalid-class and
// leave the repository unchanged.
func (r *AttributeRepository) Connect(name string, d attribute.Descriptor) (attribute.Attribute, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "AttributeRepository", "Connect", "check attribute name")
	}
	if err := r.checkOpen("Connect"); err != nil {
		return nil, err
	}

	factory, err := r.parser.Parse(d.Definition(name))
	if err != nil {
		return nil, err
	}

	attr, err := factory.Build(name, d, r)
	if err != nil {
		return nil, err
	}

	if expr, ok := d.Get(attribute.KeyFilter); ok {
		settable, ok := attr.(interface{ SetFilter(filter.Predicate) })
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: filters apply to push attributes only", errors.ErrInvalidFilter),
				"AttributeRepository", "Connect", "attach filter to "+name)
		}
		pred, err := r.filters.Compile(expr)
		if err != nil {
			return nil, err
		}
		settable.SetFilter(pred)
	}

	if err := r.Register(attr); err != nil {
		if push, ok := attr.(attribute.Push); ok {
			push.Close()
		}
		return nil, err
	}

	r.logger.Debug("attribute connected",
		"attribute", name,
		"definition", factory.Definition,
		"variant", attr.Info().Variant)
	return attr, nil
}

// ConnectAll connects every descriptor. Failures are isolated per
// attribute; the returned map holds only the failed names.
func (r *AttributeRepository) ConnectAll(descriptors map[string]attribute.Descriptor) map[string]error {
	names := make([]string, 0, len(descriptors))
	for name := range descriptors {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := make(map[string]error)
	for _, name := range names {
		if _, err := r.Connect(name, descriptors[name]); err != nil {
			r.logger.Warn("attribute not connected", "attribute", name, "error", err)
			failed[name] = err
		}
	}
	return failed
}

// Register adds an already built attribute
func (r *AttributeRepository) Register(attr attribute.Attribute) error {
	name := attr.Info().Name

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.WrapFatal(errors.ErrConnectorClosed, "AttributeRepository", "Register", "register "+name)
	}
	if _, exists := r.attrs[name]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateAttribute, "AttributeRepository", "Register", "register "+name)
	}
	r.attrs[name] = attr
	r.order = append(r.order, name)
	return nil
}

// Remove closes and unregisters an attribute
func (r *AttributeRepository) Remove(name string) bool {
	r.mu.Lock()
	attr, ok := r.attrs[name]
	if ok {
		delete(r.attrs, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if push, isPush := attr.(attribute.Push); ok && isPush {
		push.Close()
	}
	return ok
}

// Get returns an attribute by name
func (r *AttributeRepository) Get(name string) (attribute.Attribute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attr, ok := r.attrs[name]
	return attr, ok
}

// Names returns attribute names in registration order
func (r *AttributeRepository) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of attributes
func (r *AttributeRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attrs)
}

// Describe returns the identity of every attribute in registration order
func (r *AttributeRepository) Describe() []attribute.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]attribute.Info, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.attrs[name].Info())
	}
	return out
}

// Distributed returns every distributable attribute by name
func (r *AttributeRepository) Distributed() map[string]attribute.Distributed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]attribute.Distributed)
	for name, attr := range r.attrs {
		if d, ok := attr.(attribute.Distributed); ok {
			out[name] = d
		}
	}
	return out
}

func (r *AttributeRepository) pushAttributes() []attribute.Push {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]attribute.Push, 0, len(r.order))
	for _, name := range r.order {
		if p, ok := r.attrs[name].(attribute.Push); ok {
			out = append(out, p)
		}
	}
	return out
}

// Dispatch offers ev to every push attribute in parallel and returns one
// result per push attribute in registration order. Failed results are
// logged and never stop the other attributes.
func (r *AttributeRepository) Dispatch(ctx context.Context, ev *event.Event) ([]attribute.Result, error) {
	if err := r.checkOpen("Dispatch"); err != nil {
		return nil, err
	}

	start := time.Now()
	targets := r.pushAttributes()
	results := make([]attribute.Result, len(targets))

	g, _ := errgroup.WithContext(ctx)
	if r.cfg.DispatchConcurrency > 0 {
		g.SetLimit(r.cfg.DispatchConcurrency)
	}
	for i, target := range targets {
		g.Go(func() error {
			results[i] = target.Offer(ev)
			return nil
		})
	}
	_ = g.Wait()

	var processed, ignored, failed int
	for _, res := range results {
		switch res.Outcome {
		case attribute.Processed:
			processed++
		case attribute.Failed:
			failed++
			r.logger.Warn("attribute update failed",
				"attribute", res.Attribute,
				"event_id", ev.ID,
				"event_name", ev.Name,
				"sequence", ev.Sequence,
				"error", res.Err)
		default:
			ignored++
		}
	}

	if r.metrics != nil {
		r.metrics.RecordDispatch(r.cfg.Resource, processed, ignored, failed, time.Since(start))
	}
	return results, nil
}

// ReadAttribute reads one attribute directly. It implements
// attribute.Resolver for pull attributes.
func (r *AttributeRepository) ReadAttribute(ctx context.Context, name string) (any, error) {
	attr, ok := r.Get(name)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrAttributeNotFound, "AttributeRepository", "ReadAttribute", "resolve "+name)
	}
	return attr.Read(ctx)
}

// ReadAttributes reads names through the executor. Attributes that fail
// or do not answer within the batch timeout are reported in Errors; the
// other values are still returned.
func (r *AttributeRepository) ReadAttributes(ctx context.Context, names []string) (BatchResult, error) {
	if err := r.checkOpen("ReadAttributes"); err != nil {
		return BatchResult{}, err
	}
	return r.batch(ctx, "read", names, func(ctx context.Context, attr attribute.Attribute) (any, error) {
		return attr.Read(ctx)
	}), nil
}

// WriteAttributes attempts to set each value. Attributes are read-only, so
// every existing name reports errors.ErrAttributeReadOnly.
func (r *AttributeRepository) WriteAttributes(ctx context.Context, values map[string]any) (BatchResult, error) {
	if err := r.checkOpen("WriteAttributes"); err != nil {
		return BatchResult{}, err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	return r.batch(ctx, "write", names, func(ctx context.Context, attr attribute.Attribute) (any, error) {
		v := values[attr.Info().Name]
		if err := attr.Write(ctx, v); err != nil {
			return nil, err
		}
		return v, nil
	}), nil
}

type batchItem struct {
	name  string
	value any
	err   error
}

func (r *AttributeRepository) batch(
	ctx context.Context,
	operation string,
	names []string,
	op func(context.Context, attribute.Attribute) (any, error),
) BatchResult {
	result := BatchResult{Values: make(map[string]any), Errors: make(map[string]error)}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
	defer cancel()

	items := make(chan batchItem, len(names))
	pending := make(map[string]bool, len(names))

	for _, name := range names {
		if pending[name] {
			continue
		}
		attr, ok := r.Get(name)
		if !ok {
			result.Errors[name] = errors.WrapInvalid(errors.ErrAttributeNotFound,
				"AttributeRepository", "batch", operation+" "+name)
			continue
		}

		err := r.executor.Submit(func(context.Context) error {
			v, err := op(ctx, attr)
			items <- batchItem{name: name, value: v, err: err}
			return err
		})
		if err != nil {
			result.Errors[name] = errors.WrapTransient(err, "AttributeRepository", "batch", operation+" "+name)
			continue
		}
		pending[name] = true
	}

	for len(pending) > 0 {
		select {
		case item := <-items:
			delete(pending, item.name)
			if item.err != nil {
				result.Errors[item.name] = item.err
			} else {
				result.Values[item.name] = item.value
			}
		case <-ctx.Done():
			for name := range pending {
				result.Errors[name] = errors.WrapTransient(errors.ErrBatchTimeout,
					"AttributeRepository", "batch", operation+" "+name)
			}
			r.logger.Warn("batch operation timed out",
				"operation", operation,
				"pending", len(pending),
				"timeout", r.cfg.BatchTimeout)
			if r.metrics != nil {
				r.metrics.RecordBatch(r.cfg.Resource, operation, "timeout", len(pending))
			}
			pending = nil
		}
	}

	for name, err := range result.Errors {
		if !stderrors.Is(err, errors.ErrBatchTimeout) && !stderrors.Is(err, errors.ErrAttributeReadOnly) {
			r.logger.Debug("batch attribute failed", "operation", operation, "attribute", name, "error", err)
		}
	}
	if r.metrics != nil {
		r.metrics.RecordBatch(r.cfg.Resource, operation, "ok", len(result.Values))
	}
	return result
}

// ResetAll resets every push attribute and returns how many were reset
func (r *AttributeRepository) ResetAll() (int, error) {
	if err := r.checkOpen("ResetAll"); err != nil {
		return 0, err
	}
	targets := r.pushAttributes()
	for _, p := range targets {
		p.Reset()
	}
	r.logger.Info("attributes reset", "count", len(targets))
	return len(targets), nil
}

// Close closes every push attribute. Later operations fail with
// errors.ErrConnectorClosed.
func (r *AttributeRepository) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	attrs := r.attrs
	r.attrs = make(map[string]attribute.Attribute)
	r.order = nil
	r.mu.Unlock()

	for _, attr := range attrs {
		if push, ok := attr.(attribute.Push); ok {
			push.Close()
		}
	}
}

func (r *AttributeRepository) checkOpen(method string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.WrapFatal(errors.ErrConnectorClosed, "AttributeRepository", method, "check state")
	}
	return nil
}
