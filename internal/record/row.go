package record

import (
	"fmt"
	"time"
)

// Computed is the cached result of a formula property. Unavailable marks a
// cell whose evaluation failed; Value is then unset.
type Computed struct {
	Value       Value  `json:"value"`
	Unavailable bool   `json:"unavailable,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// UnavailableCell builds a degraded formula cell.
func UnavailableCell(reason string) Computed {
	return Computed{Unavailable: true, Reason: reason}
}

// Row is one record of an Entity.
type Row struct {
	ID         string              `json:"id"`
	Entity     string              `json:"entity"`
	TenantID   string              `json:"tenant_id,omitempty"`
	Folio      int64               `json:"folio"`
	State      string              `json:"state,omitempty"`
	CreatedBy  string              `json:"created_by,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedBy  string              `json:"updated_by,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
	Values     map[string]Value    `json:"values"`
	Computed   map[string]Computed `json:"computed,omitempty"`
	SearchText string              `json:"-"`
}

// Get returns the stored value of a non-formula property.
func (r *Row) Get(property string) (Value, bool) {
	v, ok := r.Values[property]
	if !ok || !v.IsSet() {
		return Value{}, false
	}
	return v, true
}

// Lookup returns a stored or computed value. Unavailable formula cells
// report as unset.
func (r *Row) Lookup(property string) Value {
	if v, ok := r.Values[property]; ok {
		return v
	}
	if c, ok := r.Computed[property]; ok && !c.Unavailable {
		return c.Value
	}
	return Value{}
}

// Set stores v, removing the cell when v is unset.
func (r *Row) Set(property string, v Value) {
	if r.Values == nil {
		r.Values = make(map[string]Value)
	}
	if !v.IsSet() {
		delete(r.Values, property)
		return
	}
	r.Values[property] = v
}

// SetComputed stores a formula cell.
func (r *Row) SetComputed(property string, c Computed) {
	if r.Computed == nil {
		r.Computed = make(map[string]Computed)
	}
	r.Computed[property] = c
}

// FolioLabel renders the folio with an optional entity prefix, e.g. PRJ-0007.
func (r *Row) FolioLabel(prefix string) string {
	if prefix == "" {
		return fmt.Sprintf("%d", r.Folio)
	}
	return fmt.Sprintf("%s-%04d", prefix, r.Folio)
}

// Clone returns a deep copy safe to mutate.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := *r
	c.Values = make(map[string]Value, len(r.Values))
	for k, v := range r.Values {
		c.Values[k] = v
	}
	if r.Computed != nil {
		c.Computed = make(map[string]Computed, len(r.Computed))
		for k, v := range r.Computed {
			c.Computed[k] = v
		}
	}
	return &c
}

// Link is a concrete parent/child association under a relationship.
type Link struct {
	Relationship string    `json:"relationship"`
	ParentID     string    `json:"parent_id"`
	ChildID      string    `json:"child_id"`
	Position     int64     `json:"position"`
	CreatedAt    time.Time `json:"created_at"`
}
