package menu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TreeSchema is the JSON Schema of an encoded SectorArray.
const TreeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$ref": "#/$defs/sectors",
  "$defs": {
    "sectors": {
      "type": "array",
      "items": { "$ref": "#/$defs/sector" }
    },
    "sector": {
      "type": "object",
      "required": ["N", "C"],
      "additionalProperties": false,
      "properties": {
        "N": { "type": "string", "minLength": 1 },
        "C": { "type": "array", "items": { "$ref": "#/$defs/cell" } }
      }
    },
    "scalar": { "type": ["string", "number", "boolean"] },
    "cell": {
      "oneOf": [
        {
          "type": "object",
          "required": ["N", "C", "P"],
          "additionalProperties": false,
          "properties": {
            "N": { "type": "string", "minLength": 1 },
            "C": { "$ref": "#/$defs/scalar" },
            "P": { "enum": ["RO", "RW"] },
            "S": { "type": "array", "items": { "$ref": "#/$defs/scalar" } }
          }
        },
        {
          "type": "object",
          "required": ["N", "C"],
          "additionalProperties": false,
          "properties": {
            "N": { "type": "string", "minLength": 1 },
            "C": { "$ref": "#/$defs/sectors" }
          }
        }
      ]
    }
  }
}`

const treeSchemaURL = "https://schemas.micod.dev/menu-tree.json"

var (
	treeSchemaOnce sync.Once
	treeSchema     *jsonschema.Schema
	treeSchemaErr  error
)

func compiledTreeSchema() (*jsonschema.Schema, error) {
	treeSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(treeSchemaURL, strings.NewReader(TreeSchema)); err != nil {
			treeSchemaErr = fmt.Errorf("add menu schema: %w", err)
			return
		}
		treeSchema, treeSchemaErr = compiler.Compile(treeSchemaURL)
	})
	return treeSchema, treeSchemaErr
}

// ValidateTree checks that data is a well-formed encoded SectorArray.
func ValidateTree(data []byte) error {
	schema, err := compiledTreeSchema()
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode menu tree: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}
