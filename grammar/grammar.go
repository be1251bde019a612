// Package grammar parses attribute definitions and builds the attribute
// they select.
//
// A definition is either a bare metric type token or a projection:
//
//	timer
//	get max from timer latency
//
// Parsing validates the token against the catalog and, for projections,
// the field against the named type's schema. Every failure is an
// Invalid-class error raised before the attribute exists.
package grammar

import (
	"fmt"
	"strings"

	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/metric"
	"github.com/c360/attrstream/pkg/cache"
)

const (
	keywordGet  = "get"
	keywordFrom = "from"
)

// DefaultCacheSize is the number of parsed definitions kept by a Parser
const DefaultCacheSize = 256

// Parser parses definitions and memoizes the results
type Parser struct {
	memo *cache.LRU[Factory]
}

// Option configures a Parser
type Option func(*parserOptions)

type parserOptions struct {
	size     int
	registry *metric.MetricsRegistry
}

// WithCacheSize sets how many parsed definitions are kept
func WithCacheSize(n int) Option {
	return func(o *parserOptions) { o.size = n }
}

// WithMetrics exports memo cache metrics under the "grammar" component
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *parserOptions) { o.registry = registry }
}

// NewParser creates a parser
func NewParser(opts ...Option) (*Parser, error) {
	o := parserOptions{size: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	var cacheOpts []cache.Option[Factory]
	if o.registry != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics[Factory](o.registry, "grammar"))
	}
	memo, err := cache.NewLRU[Factory](o.size, cacheOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Parser", "NewParser", "create memo cache")
	}
	return &Parser{memo: memo}, nil
}

// Parse turns a definition into a factory
func (p *Parser) Parse(definition string) (Factory, error) {
	key := strings.Join(strings.Fields(definition), " ")
	if f, ok := p.memo.Get(key); ok {
		return f, nil
	}

	f, err := parse(key)
	if err != nil {
		return Factory{}, err
	}
	_, _ = p.memo.Set(key, f)
	return f, nil
}

// Parse parses without memoization
func Parse(definition string) (Factory, error) {
	return parse(strings.Join(strings.Fields(definition), " "))
}

func parse(definition string) (Factory, error) {
	tokens := strings.Fields(definition)
	if len(tokens) == 0 {
		return Factory{}, unrecognized(definition, "empty definition")
	}

	if tokens[0] != keywordGet {
		if len(tokens) != 1 {
			return Factory{}, unrecognized(definition, "unexpected tokens after metric type")
		}
		entry, ok := catalog.Lookup(tokens[0])
		if !ok {
			return Factory{}, unrecognized(definition, fmt.Sprintf("unknown metric type %q", tokens[0]))
		}
		return Factory{Definition: definition, Entry: entry}, nil
	}

	// get <field> from <metricType> <source>
	if len(tokens) != 5 || tokens[2] != keywordFrom {
		return Factory{}, unrecognized(definition, "expected 'get <field> from <metricType> <attribute>'")
	}

	field, typeToken, source := tokens[1], tokens[3], tokens[4]
	entry, ok := catalog.Lookup(typeToken)
	if !ok {
		return Factory{}, unrecognized(definition, fmt.Sprintf("unknown metric type %q", typeToken))
	}
	if !entry.Schema.Has(field) {
		return Factory{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s has no field %q", errors.ErrIncorrectOperator, entry.Type, field),
			"Parser", "Parse", "resolve projection field")
	}

	return Factory{
		Definition: definition,
		Entry:      entry,
		Projection: &Projection{Field: field, Source: source},
	}, nil
}

func unrecognized(definition, reason string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %q: %s", errors.ErrUnrecognizedAttributeType, definition, reason),
		"Parser", "Parse", "parse definition")
}
