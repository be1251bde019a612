package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/attrstream/pkg/cache"
)

var regexCache *cache.LRU[*regexp.Regexp]

func init() {
	var err error
	regexCache, err = cache.NewLRU[*regexp.Regexp](100)
	if err != nil {
		panic(fmt.Sprintf("filter: regex cache initialization failed: %v", err))
	}
}

// compileRegex returns a cached compiled regex or compiles and caches it
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, found := regexCache.Get(pattern); found {
		return re, nil
	}

	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}

	_, _ = regexCache.Set(pattern, re)
	return re, nil
}

var nestedQuantifiers = []string{
	`(\w+)*`, `(\w*)+`, `(a+)+`, `([a-zA-Z]+)*`, `(\d+)*`,
	`(.*)*`, `(.+)+`, `(\s+)*`, `([^,]+)*`,
}

// validateRegexComplexity rejects patterns prone to pathological
// backtracking cost in the compiled form.
func validateRegexComplexity(pattern string) error {
	if len(pattern) > 500 {
		return fmt.Errorf("regex pattern too long (max 500 chars): %d chars", len(pattern))
	}

	for _, fragment := range nestedQuantifiers {
		if strings.Contains(pattern, fragment) {
			return fmt.Errorf("regex pattern contains nested quantifiers: %s", fragment)
		}
	}

	if strings.Count(pattern, "(") > 20 {
		return fmt.Errorf("regex pattern has too many groups (max 20)")
	}

	depth, maxDepth := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')':
			depth--
		}
	}
	if maxDepth > 5 {
		return fmt.Errorf("regex pattern has excessive nesting depth (max 5 levels)")
	}

	return nil
}
