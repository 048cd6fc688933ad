package metadata

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaRegistry holds compiled CUE definitions task files are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a registry with the built-in #Task definition.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("task", "#Task", builtinTaskSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles src and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	d := val.LookupPath(cue.ParsePath(def))
	if !d.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}
	sr.schemas[name] = d
	return nil
}

// Validate checks data against the named schema. Every violation is
// reported, one per line.
func (sr *SchemaRegistry) Validate(name string, data interface{}) error {
	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema %s: %s", name, errors.Details(err, nil))
	}
	return nil
}

const builtinTaskSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Task: {
	id:   string & =~"^[a-zA-Z0-9_.-]+$"
	type: "group" | "exec" | "puppet" | "sync" | "upload" | "skipped"

	roles?: [...string & !=""]
	stage?: "pre_deployment" | "deployment" | "post_deployment"

	requires?:     [...string]
	required_for?: [...string]

	condition?: string
	timeout?:   #Duration

	parameters?: {
		cmd?:             string
		cwd?:             string
		env?:             {[string]: string}
		puppet_manifest?: string
		puppet_modules?:  string
		src?:             string
		dst?:             string
		path?:            string
		data?:            string
		permissions?:     =~"^0?[0-7]{3,4}$"
	}

	if type == "exec" {
		parameters: cmd: !=""
	}
	if type == "puppet" {
		parameters: puppet_manifest: !=""
	}
	if type == "sync" {
		parameters: {
			src: !=""
			dst: !=""
		}
	}
	if type == "upload" {
		parameters: path: !=""
	}
}
`
