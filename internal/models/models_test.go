// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestProduct_Normalize(t *testing.T) {
	p := Product{Code: "  A1 ", Name: "\tArroz\n", Category: " granos", Brand: "x ", Unit: " kg "}
	p.Normalize()

	want := []string{"A1", "Arroz", "granos", "x", "kg"}
	got := p.SheetRow()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("SheetRow() after Normalize = %v, want %v", got, want)
	}
}

func TestProduct_TableName(t *testing.T) {
	if (Product{}).TableName() != "products" {
		t.Error("Product.TableName() wrong")
	}
	if (InventoryEntry{}).TableName() != "inventory" {
		t.Error("InventoryEntry.TableName() wrong")
	}
	if (ChangeLog{}).TableName() != "change_log" {
		t.Error("ChangeLog.TableName() wrong")
	}
}

func TestUser_IsAdmin(t *testing.T) {
	if (&User{Role: RoleUser}).IsAdmin() {
		t.Error("user role should not be admin")
	}
	if !(&User{Role: RoleAdmin}).IsAdmin() {
		t.Error("admin role should be admin")
	}
}

func TestUser_PasswordHashNotSerialized(t *testing.T) {
	data, err := json.Marshal(User{ID: "u1", Email: "a@b.c", PasswordHash: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret") {
		t.Errorf("password hash leaked into JSON: %s", data)
	}
}

func TestSession_Expired(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		expiresAt int64
		want      bool
	}{
		{999, true},
		{1000, true},
		{1001, false},
	}
	for _, tt := range tests {
		s := Session{ExpiresAt: tt.expiresAt}
		if got := s.Expired(now); got != tt.want {
			t.Errorf("Expired(expiresAt=%d) = %v, want %v", tt.expiresAt, got, tt.want)
		}
	}
}

func TestChangeLog_JSON(t *testing.T) {
	c := ChangeLog{
		ID:        7,
		Operation: OperationInsert,
		Table:     "inventory",
		RowID:     "e1",
		NewRow:    json.RawMessage(`{"id":"e1","quantity":2}`),
		CreatedAt: 1700000000,
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"table", "row", "timestamp", "operation"} {
		if _, ok := m[key]; !ok {
			t.Errorf("JSON missing %q: %s", key, data)
		}
	}
	if _, ok := m["old_row"]; ok {
		t.Errorf("insert should omit old_row: %s", data)
	}
	if !c.Time().Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Time() = %v", c.Time())
	}
}
