// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"strconv"
	"time"
)

// ModuleID is the stable numeric identity of a worker module.
type ModuleID uint64

// String renders the id as an unsigned decimal.
func (id ModuleID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseModuleID parses an unsigned decimal module id.
func ParseModuleID(s string) (ModuleID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse module id %q: %w", s, err)
	}
	return ModuleID(v), nil
}

// Module describes a configured worker program that crawls one data source.
type Module struct {
	ID              ModuleID `json:"id" mapstructure:"id"`
	Path            string   `json:"path" mapstructure:"path"`
	Args            []string `json:"args,omitempty" mapstructure:"args"`
	SourceName      string   `json:"source_name" mapstructure:"source"`
	ModuleName      string   `json:"module_name" mapstructure:"name"`
	Remote          bool     `json:"remote" mapstructure:"remote"`
	ChunkedDownload bool     `json:"chunked_download" mapstructure:"chunked_download"`
	LogActivity     bool     `json:"log_activity" mapstructure:"log_activity"`
}

// String returns "<name>.<id>", the form used for module log files.
func (m Module) String() string {
	return m.ModuleName + "." + m.ID.String()
}

// GroupID is the canonical identifier unifying one real-world product across modules.
type GroupID uint64

// String renders the group id as an unsigned decimal.
func (id GroupID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ValueKind tags a detail attribute value.
type ValueKind uint8

// Value kinds as carried on the wire.
const (
	ValueInt    ValueKind = 0
	ValueString ValueKind = 1
)

// Value is a typed attribute value reported by a worker.
type Value struct {
	Kind ValueKind `json:"kind"`
	Int  int64     `json:"int,omitempty"`
	Str  string    `json:"str,omitempty"`
}

// IntValue wraps an integer attribute.
func IntValue(v int64) Value { return Value{Kind: ValueInt, Int: v} }

// StringValue wraps a string attribute.
func StringValue(v string) Value { return Value{Kind: ValueString, Str: v} }

// String renders the value as text regardless of kind.
func (v Value) String() string {
	if v.Kind == ValueInt {
		return strconv.FormatInt(v.Int, 10)
	}
	return v.Str
}

// ProductRecord is the merged result of one detail response.
type ProductRecord struct {
	ModuleID   ModuleID
	ProductID  string
	GroupID    GroupID
	Brand      string
	Model      string
	Price      int64
	HasPrice   bool
	Attributes map[string]Value
	ObservedAt time.Time
}

// GroupPrice is the result of resolving a (brand, model) pair.
type GroupPrice struct {
	GroupID  GroupID
	MinPrice int64
	HasPrice bool
}

// PriceRecord is one raw price observation.
type PriceRecord struct {
	Time  time.Time `json:"time"`
	Price int64     `json:"price"`
}

// Alert is emitted when an observed price drops below the previous minimum
// and a subscription covers it.
type Alert struct {
	ID         string    `json:"id"`
	ModuleID   ModuleID  `json:"module_id"`
	GroupID    GroupID   `json:"group_id"`
	ProductID  string    `json:"product_id"`
	Previous   int64     `json:"previous"`
	Price      int64     `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}
