// Package menu builds the configuration menu tree exchanged with remote
// config clients.
//
// A tree is a SectorArray of named Sectors; each Sector holds a CellList of
// typed, privilege-tagged cells; a sub-menu cell nests another SectorArray.
// Trees are built fresh for every report request and never mutated by the
// protocol layer.
package menu

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidArgument is returned for an empty name, an unknown privilege, a
// non-finite float or a nil sub-tree.
var ErrInvalidArgument = errors.New("menu: invalid argument")

// Privilege tags a cell as read-only or read-write for the client.
type Privilege string

const (
	ReadOnly  Privilege = "RO"
	ReadWrite Privilege = "RW"
)

// Valid reports whether p is one of the two recognized privileges.
func (p Privilege) Valid() bool {
	return p == ReadOnly || p == ReadWrite
}

// CellType is the type of a cell's content.
type CellType int

const (
	TypeString CellType = iota
	TypeNumber
	TypeFloat
	TypeBool
	TypeSubMenu
)

func (t CellType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeSubMenu:
		return "submenu"
	default:
		return "unknown"
	}
}

// Cell is one named entry of a cell list.
type Cell struct {
	name      string
	typ       CellType
	privilege Privilege
	value     any // string, int, float64 or bool
	selection []any
	sub       *SectorArray
}

// Name returns the cell name.
func (c *Cell) Name() string { return c.name }

// Type returns the cell type.
func (c *Cell) Type() CellType { return c.typ }

// Privilege returns the cell privilege. Sub-menu cells have none.
func (c *Cell) Privilege() Privilege { return c.privilege }

// Value returns the scalar content: string, int, float64 or bool. It is
// nil for sub-menu cells.
func (c *Cell) Value() any { return c.value }

// Selection returns the legal values of a scalar cell, nil if unrestricted.
func (c *Cell) Selection() []any { return c.selection }

// SubMenu returns the nested tree of a sub-menu cell.
func (c *Cell) SubMenu() *SectorArray { return c.sub }

// Writable reports whether a client may write the cell.
func (c *Cell) Writable() bool {
	return c.typ != TypeSubMenu && c.privilege == ReadWrite
}

// CellList is an ordered list of cells.
type CellList struct {
	cells []*Cell
}

// NewCellList returns an empty cell list.
func NewCellList() *CellList {
	return &CellList{}
}

// AddString appends a string cell.
func (l *CellList) AddString(name, value string, priv Privilege, selection ...string) (*CellList, error) {
	return l.addScalar(name, TypeString, value, priv, toAny(selection))
}

// AddNumber appends an integer cell.
func (l *CellList) AddNumber(name string, value int, priv Privilege, selection ...int) (*CellList, error) {
	return l.addScalar(name, TypeNumber, value, priv, toAny(selection))
}

// AddFloat appends a floating point cell. NaN and infinities have no JSON
// form and are rejected.
func (l *CellList) AddFloat(name string, value float64, priv Privilege, selection ...float64) (*CellList, error) {
	for _, v := range append([]float64{value}, selection...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return l, fmt.Errorf("%w: cell %q value %v", ErrInvalidArgument, name, v)
		}
	}
	return l.addScalar(name, TypeFloat, value, priv, toAny(selection))
}

// AddBool appends a boolean cell.
func (l *CellList) AddBool(name string, value bool, priv Privilege) (*CellList, error) {
	return l.addScalar(name, TypeBool, value, priv, nil)
}

// AddSubMenu appends a cell embedding a nested sector array.
func (l *CellList) AddSubMenu(name string, sectors *SectorArray) (*CellList, error) {
	if name == "" {
		return l, fmt.Errorf("%w: empty cell name", ErrInvalidArgument)
	}
	if sectors == nil {
		return l, fmt.Errorf("%w: sub-menu %q has no sectors", ErrInvalidArgument, name)
	}
	l.cells = append(l.cells, &Cell{name: name, typ: TypeSubMenu, sub: sectors})
	return l, nil
}

func (l *CellList) addScalar(name string, typ CellType, value any, priv Privilege, selection []any) (*CellList, error) {
	if name == "" {
		return l, fmt.Errorf("%w: empty cell name", ErrInvalidArgument)
	}
	if !priv.Valid() {
		return l, fmt.Errorf("%w: privilege %q for cell %q", ErrInvalidArgument, priv, name)
	}
	l.cells = append(l.cells, &Cell{
		name:      name,
		typ:       typ,
		privilege: priv,
		value:     value,
		selection: selection,
	})
	return l, nil
}

// Cells returns the cells in order.
func (l *CellList) Cells() []*Cell {
	return l.cells
}

// Len returns the number of cells.
func (l *CellList) Len() int {
	return len(l.cells)
}

// Cell returns the first cell with the given name.
func (l *CellList) Cell(name string) (*Cell, bool) {
	for _, c := range l.cells {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// Sector is a named cell list.
type Sector struct {
	Name  string
	Cells *CellList
}

// SectorArray is an ordered list of sectors.
type SectorArray struct {
	sectors []*Sector
}

// NewSectorArray returns an empty sector array.
func NewSectorArray() *SectorArray {
	return &SectorArray{}
}

// AddSector wraps cells with a name and appends it.
func (a *SectorArray) AddSector(name string, cells *CellList) (*SectorArray, error) {
	if name == "" {
		return a, fmt.Errorf("%w: empty sector name", ErrInvalidArgument)
	}
	if cells == nil {
		cells = NewCellList()
	}
	a.sectors = append(a.sectors, &Sector{Name: name, Cells: cells})
	return a, nil
}

// Sectors returns the sectors in order.
func (a *SectorArray) Sectors() []*Sector {
	return a.sectors
}

// Sector returns the first sector with the given name.
func (a *SectorArray) Sector(name string) (*Sector, bool) {
	for _, s := range a.sectors {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Find returns the first scalar cell named name anywhere in the tree,
// depth first in declaration order.
func (a *SectorArray) Find(name string) (*Cell, bool) {
	for _, s := range a.sectors {
		for _, c := range s.Cells.cells {
			if c.typ == TypeSubMenu {
				if found, ok := c.sub.Find(name); ok {
					return found, true
				}
				continue
			}
			if c.name == name {
				return c, true
			}
		}
	}
	return nil, false
}

// Walk calls fn for every cell in the tree, depth first. path holds the
// names of the enclosing sectors and sub-menu cells.
func (a *SectorArray) Walk(fn func(path []string, c *Cell)) {
	a.walk(nil, fn)
}

func (a *SectorArray) walk(path []string, fn func([]string, *Cell)) {
	for _, s := range a.sectors {
		sp := append(path[:len(path):len(path)], s.Name)
		for _, c := range s.Cells.cells {
			fn(sp, c)
			if c.typ == TypeSubMenu {
				c.sub.walk(append(sp[:len(sp):len(sp)], c.name), fn)
			}
		}
	}
}

func toAny[T any](values []T) []any {
	if len(values) == 0 {
		return nil
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
