package menu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Wire format, as spoken by existing config clients:
//
//	scalar cell   {"N": name, "C": value, "P": "RO"|"RW", "S": [legal values]}
//	sub-menu cell {"N": name, "C": [sector, ...]}
//	sector        {"N": name, "C": [cell, ...]}

type scalarJSON struct {
	N string    `json:"N"`
	C any       `json:"C"`
	P Privilege `json:"P"`
	S []any     `json:"S,omitempty"`
}

type nestedJSON[T any] struct {
	N string `json:"N"`
	C T      `json:"C"`
}

// MarshalJSON implements json.Marshaler.
func (c *Cell) MarshalJSON() ([]byte, error) {
	if c.typ == TypeSubMenu {
		return json.Marshal(nestedJSON[*SectorArray]{N: c.name, C: c.sub})
	}
	return json.Marshal(scalarJSON{N: c.name, C: c.value, P: c.privilege, S: c.selection})
}

// MarshalJSON implements json.Marshaler.
func (l *CellList) MarshalJSON() ([]byte, error) {
	if l.cells == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.cells)
}

// MarshalJSON implements json.Marshaler.
func (s *Sector) MarshalJSON() ([]byte, error) {
	return json.Marshal(nestedJSON[*CellList]{N: s.Name, C: s.Cells})
}

// MarshalJSON implements json.Marshaler.
func (a *SectorArray) MarshalJSON() ([]byte, error) {
	if a.sectors == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a.sectors)
}

// UnmarshalJSON decodes a sector array in the wire format. Integral numbers
// decode as number cells, others as float cells.
func (a *SectorArray) UnmarshalJSON(data []byte) error {
	var raw []nestedJSON[[]json.RawMessage]
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode sectors: %w", err)
	}

	a.sectors = nil
	for _, rs := range raw {
		cells := NewCellList()
		for _, rc := range rs.C {
			cell, err := decodeCell(rc)
			if err != nil {
				return fmt.Errorf("sector %q: %w", rs.N, err)
			}
			cells.cells = append(cells.cells, cell)
		}
		if _, err := a.AddSector(rs.N, cells); err != nil {
			return err
		}
	}
	return nil
}

func decodeCell(data []byte) (*Cell, error) {
	var head struct {
		N string            `json:"N"`
		C json.RawMessage   `json:"C"`
		P Privilege         `json:"P"`
		S []json.RawMessage `json:"S"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode cell: %w", err)
	}
	if head.N == "" {
		return nil, fmt.Errorf("%w: empty cell name", ErrInvalidArgument)
	}

	content := bytes.TrimSpace(head.C)
	if len(content) > 0 && content[0] == '[' {
		sub := NewSectorArray()
		if err := sub.UnmarshalJSON(content); err != nil {
			return nil, fmt.Errorf("sub-menu %q: %w", head.N, err)
		}
		return &Cell{name: head.N, typ: TypeSubMenu, sub: sub}, nil
	}

	if !head.P.Valid() {
		return nil, fmt.Errorf("%w: privilege %q for cell %q", ErrInvalidArgument, head.P, head.N)
	}

	value, typ, err := decodeScalar(content)
	if err != nil {
		return nil, fmt.Errorf("cell %q: %w", head.N, err)
	}
	cell := &Cell{name: head.N, typ: typ, privilege: head.P, value: value}

	for _, rs := range head.S {
		v, _, err := decodeScalar(rs)
		if err != nil {
			return nil, fmt.Errorf("cell %q selection: %w", head.N, err)
		}
		if typ == TypeFloat {
			v = toFloat(v)
		}
		cell.selection = append(cell.selection, v)
	}
	return cell, nil
}

func decodeScalar(data []byte) (any, CellType, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, 0, err
	}

	switch val := v.(type) {
	case string:
		return val, TypeString, nil
	case bool:
		return val, TypeBool, nil
	case json.Number:
		if !strings.ContainsAny(val.String(), ".eE") {
			if n, err := val.Int64(); err == nil {
				return int(n), TypeNumber, nil
			}
		}
		f, err := val.Float64()
		if err != nil {
			return nil, 0, err
		}
		return f, TypeFloat, nil
	default:
		return nil, 0, fmt.Errorf("%w: unsupported cell content %s", ErrInvalidArgument, data)
	}
}

func toFloat(v any) any {
	if n, ok := v.(int); ok {
		return float64(n)
	}
	return v
}
