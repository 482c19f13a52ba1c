package configserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"micod/internal/menu"
	"micod/internal/power"
	"micod/internal/syscontext"
)

// maxWriteBody bounds a config-write request.
const maxWriteBody = 16 << 10

// writeSchema accepts a flat object of scalar values keyed by cell name.
const writeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "minProperties": 1,
  "propertyNames": { "minLength": 1 },
  "additionalProperties": { "type": ["string", "number", "boolean"] }
}`

const writeSchemaURL = "https://schemas.micod.dev/config-write.json"

var (
	writeSchemaOnce sync.Once
	compiledWrite   *jsonschema.Schema
	writeSchemaErr  error
)

func validateWrite(body []byte) error {
	writeSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(writeSchemaURL, strings.NewReader(writeSchema)); err != nil {
			writeSchemaErr = err
			return
		}
		compiledWrite, writeSchemaErr = c.Compile(writeSchemaURL)
	})
	if writeSchemaErr != nil {
		return fmt.Errorf("compile write schema: %w", writeSchemaErr)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &valueError{msg: "malformed JSON: " + err.Error()}
	}
	if err := compiledWrite.Validate(doc); err != nil {
		return &valueError{msg: err.Error()}
	}
	return nil
}

// Write errors, mapped to HTTP statuses by writeStatus.
var errReadOnly = errors.New("cell is read-only")

type valueError struct {
	msg string
}

func (e *valueError) Error() string { return e.msg }

// keyError ties a write failure to the key that caused it.
type keyError struct {
	key string
	err error
}

func (e *keyError) Error() string { return fmt.Sprintf("%s: %v", e.key, e.err) }
func (e *keyError) Unwrap() error { return e.err }

func writeStatus(err error) int {
	var (
		unknown *menu.UnknownKeyError
		value   *valueError
	)
	switch {
	case errors.Is(err, errReadOnly):
		return http.StatusForbidden
	case errors.As(err, &unknown), errors.As(err, &value),
		errors.Is(err, menu.ErrInvalidArgument), errors.Is(err, syscontext.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type writeResponse struct {
	Applied []string `json:"applied"`
	Reboot  bool     `json:"reboot"`
}

type errorResponse struct {
	Error string `json:"error"`
	Key   string `json:"key,omitempty"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	fail := func(status int, err error) {
		s.config.Metrics.ObserveWrite(time.Since(start), status, false)
		s.writeError(w, r, status, err)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBody))
	if err != nil {
		fail(http.StatusRequestEntityTooLarge, err)
		return
	}
	if err := validateWrite(body); err != nil {
		fail(writeStatus(err), err)
		return
	}

	s.writeMu.Lock()
	resp, err := s.applyWrite(body)
	s.writeMu.Unlock()
	if err != nil {
		fail(writeStatus(err), err)
		return
	}

	s.config.Metrics.ObserveWrite(time.Since(start), http.StatusOK, resp.Reboot)
	s.logger.Info("configuration written",
		"request_id", requestID(r.Context()),
		"cells", resp.Applied,
		"reboot", resp.Reboot,
	)
	writeJSON(w, http.StatusOK, resp)

	if resp.Reboot {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		go s.reboot()
	}
}

// writeOp is one checked key of a write request. Built-in keys are already
// staged in the pendingWrite; the others go to the delegate.
type writeOp struct {
	key     string
	value   any
	builtin bool
	reboot  bool
}

// applyWrite checks every key of body against the current tree before
// anything changes, then applies them in document order. Built-in keys are
// committed together at the end. If the delegate or the commit rejects the
// request, the record is reverted.
func (s *Server) applyWrite(body []byte) (writeResponse, error) {
	tree, err := s.buildTree()
	if err != nil {
		return writeResponse{}, err
	}

	var (
		pending pendingWrite
		ops     []writeOp
		werr    error
	)
	gjson.ParseBytes(body).ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		op, err := checkKey(tree, &pending, key, v)
		if err != nil {
			werr = &keyError{key: key, err: err}
			return false
		}
		ops = append(ops, op)
		return true
	})
	if werr != nil {
		return writeResponse{}, werr
	}

	store := s.config.Store
	snap := store.Snapshot()
	resp, err := s.apply(ops, &pending)
	if err != nil && !errors.Is(err, syscontext.ErrStorageFault) {
		if rerr := store.Revert(snap); rerr != nil {
			s.logger.Error("revert rejected write failed", "error", rerr)
		}
	}
	return resp, err
}

func (s *Server) apply(ops []writeOp, pending *pendingWrite) (writeResponse, error) {
	store := s.config.Store
	resp := writeResponse{Applied: []string{}}
	for _, op := range ops {
		reboot := op.reboot
		if !op.builtin {
			var err error
			if reboot, err = s.config.Delegate.Receive(op.key, op.value, store); err != nil {
				return writeResponse{}, &keyError{key: op.key, err: err}
			}
		}
		resp.Applied = append(resp.Applied, op.key)
		resp.Reboot = resp.Reboot || reboot
	}

	if pending.empty() {
		if err := store.Update(); err != nil {
			return writeResponse{}, err
		}
		return resp, nil
	}
	if err := store.Commit(pending.apply); err != nil {
		return writeResponse{}, err
	}
	return resp, nil
}

// checkKey validates one key against the tree. A key with no cell is left
// for the delegate to accept or refuse.
func checkKey(tree *menu.SectorArray, pending *pendingWrite, key string, raw gjson.Result) (writeOp, error) {
	cell, known := tree.Find(key)
	if known && !cell.Writable() {
		return writeOp{}, errReadOnly
	}
	value, err := scalar(raw)
	if err != nil {
		return writeOp{}, err
	}
	if !known {
		return writeOp{key: key, value: value}, nil
	}
	if value, err = coerce(cell, value); err != nil {
		return writeOp{}, err
	}

	if set, ok := setters[key]; ok {
		if err := set.apply(pending, value); err != nil {
			return writeOp{}, err
		}
		return writeOp{key: key, builtin: true, reboot: set.reboot}, nil
	}
	return writeOp{key: key, value: value}, nil
}

// scalar converts a JSON value to string, int, float64 or bool.
func scalar(v gjson.Result) (any, error) {
	switch v.Type {
	case gjson.String:
		return v.Str, nil
	case gjson.True, gjson.False:
		return v.Bool(), nil
	case gjson.Number:
		if !strings.ContainsAny(v.Raw, ".eE") {
			return int(v.Int()), nil
		}
		return v.Num, nil
	default:
		return nil, &valueError{msg: "unsupported value " + v.Raw}
	}
}

// coerce checks value against the cell's type and selection.
func coerce(cell *menu.Cell, value any) (any, error) {
	switch cell.Type() {
	case menu.TypeFloat:
		if n, ok := value.(int); ok {
			value = float64(n)
		}
		if _, ok := value.(float64); !ok {
			return nil, &valueError{msg: "want a number"}
		}
	case menu.TypeNumber:
		if _, ok := value.(int); !ok {
			return nil, &valueError{msg: "want an integer"}
		}
	case menu.TypeString:
		if _, ok := value.(string); !ok {
			return nil, &valueError{msg: "want a string"}
		}
	case menu.TypeBool:
		if _, ok := value.(bool); !ok {
			return nil, &valueError{msg: "want true or false"}
		}
	}

	sel := cell.Selection()
	if len(sel) == 0 {
		return value, nil
	}
	for _, allowed := range sel {
		if allowed == value {
			return value, nil
		}
	}
	return nil, &valueError{msg: fmt.Sprintf("%v is not one of %v", value, sel)}
}

func (s *Server) reboot() {
	if s.config.Power == nil {
		s.logger.Warn("reboot requested but no power manager configured")
		return
	}
	if err := s.config.Power.Perform(power.SoftwareReset, "configuration changed"); err != nil {
		s.logger.Error("reboot after configuration failed", "error", err)
	}
}
