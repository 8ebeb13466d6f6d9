package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"resume-crosscheck/internal/types"
)

var compiled sync.Map // Kind -> *jsonschema.Schema

func (s Schema) compile() (*jsonschema.Schema, error) {
	if v, ok := compiled.Load(s.Kind); ok {
		return v.(*jsonschema.Schema), nil
	}
	b, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	url := string(s.Kind) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled.Store(s.Kind, sch)
	return sch, nil
}

// Conform 检查记录是否符合该种类的 JSON schema
func (s Schema) Conform(r types.Record) error {
	sch, err := s.compile()
	if err != nil {
		return err
	}
	// 先走一遍 JSON，数字统一成 float64
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("记录不符合 %s schema: %w", s.Kind, err)
	}
	return nil
}
