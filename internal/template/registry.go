package template

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/msfg/taxdoc/constants"
	"github.com/msfg/taxdoc/internal/common"
)

//go:embed templates/*.json
var embeddedTemplates embed.FS

//go:embed schema.json
var templateSchema string

// Registry holds the loaded form templates. The embedded set always loads;
// files from the overlay directory replace embedded templates of the same
// form type. Reload swaps the whole set atomically.
type Registry struct {
	mu        sync.RWMutex
	templates map[constants.FormType]*FormTemplate

	extraDir string
	schema   *jsonschema.Schema
	logger   *slog.Logger
}

func NewRegistry(extraDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("template.schema.json", strings.NewReader(templateSchema)); err != nil {
		return nil, fmt.Errorf("template schema: %w", err)
	}
	schema, err := compiler.Compile("template.schema.json")
	if err != nil {
		return nil, fmt.Errorf("template schema: %w", err)
	}

	r := &Registry{
		extraDir: extraDir,
		schema:   schema,
		logger:   logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the template set from the embedded files plus the overlay
// directory. On any parse failure the previous set stays in place.
func (r *Registry) Reload() error {
	next := make(map[constants.FormType]*FormTemplate)

	entries, err := embeddedTemplates.ReadDir("templates")
	if err != nil {
		return err
	}
	for _, e := range entries {
		raw, err := embeddedTemplates.ReadFile("templates/" + e.Name())
		if err != nil {
			return err
		}
		t, err := parseTemplate(raw, r.schema)
		if err != nil {
			return fmt.Errorf("embedded %s: %w", e.Name(), err)
		}
		next[t.FormType] = t
	}

	if r.extraDir != "" {
		paths, err := filepath.Glob(filepath.Join(r.extraDir, "*.json"))
		if err != nil {
			return err
		}
		sort.Strings(paths)
		for _, p := range paths {
			raw, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			t, err := parseTemplate(raw, r.schema)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			next[t.FormType] = t
			r.logger.Info("template.overlay", "path", p, "form_type", t.FormType)
		}
	}

	r.mu.Lock()
	r.templates = next
	r.mu.Unlock()
	r.logger.Info("template.loaded", "count", len(next))
	return nil
}

// Template returns the template for a form type.
func (r *Registry) Template(ft constants.FormType) (*FormTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[ft]
	if !ok {
		return nil, common.NewAppError(common.KindUnrecognizedFormType,
			fmt.Sprintf("no template for form type %q", ft), nil)
	}
	return t, nil
}

// Forms returns all loaded templates sorted by form type.
func (r *Registry) Forms() []*FormTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FormTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FormType < out[j].FormType })
	return out
}

// Detect identifies the form type from document text by counting title
// signature matches. The highest count wins; an exact tie breaks to the
// lexicographically smallest form type so reruns agree. No match at all is an
// unrecognized-form error.
func (r *Registry) Detect(text string) (constants.FormType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best      constants.FormType
		bestCount int
	)
	types := make([]constants.FormType, 0, len(r.templates))
	for ft := range r.templates {
		types = append(types, ft)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, ft := range types {
		if n := r.templates[ft].SignatureMatches(text); n > bestCount {
			best, bestCount = ft, n
		}
	}
	if bestCount == 0 {
		return "", common.NewAppError(common.KindUnrecognizedFormType,
			"document matches no known form signature", nil)
	}
	return best, nil
}
