// Package db provides unit tests for CRUD repository operations.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// setupTestRepo opens a migrated database in a temporary directory.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

func createTestUser(t *testing.T, repo *Repository, email string) *models.User {
	t.Helper()
	u := &models.User{Name: email, Email: email, PasswordHash: "hash"}
	if err := repo.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", email, err)
	}
	return u
}

func product(code string) models.Product {
	return models.Product{Code: code, Name: "name " + code, Category: "cat", Brand: "brand", Unit: "pz"}
}

func codesOf(products []models.Product) []string {
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = p.Code
	}
	sort.Strings(out)
	return out
}

// =====================================================
// Product Tests
// =====================================================

func TestCreateProduct(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	u1 := createTestUser(t, repo, "u1@example.com")
	u2 := createTestUser(t, repo, "u2@example.com")

	p := product("A")
	p.OwnerID = u1.ID
	if err := repo.CreateProduct(ctx, &p); err != nil {
		t.Fatalf("CreateProduct() failed: %v", err)
	}
	if p.ID == "" || p.CreatedAt == 0 || p.UpdatedAt != p.CreatedAt {
		t.Errorf("CreateProduct() did not stamp id/timestamps: %+v", p)
	}

	dup := product("A")
	dup.OwnerID = u1.ID
	if err := repo.CreateProduct(ctx, &dup); !errors.Is(err, errors.AlreadyExists) {
		t.Errorf("duplicate code for same owner: err = %v, want AlreadyExists", err)
	}

	// Another owner may reuse the code
	other := product("A")
	other.OwnerID = u2.ID
	if err := repo.CreateProduct(ctx, &other); err != nil {
		t.Errorf("same code for another owner failed: %v", err)
	}

	list, err := repo.ListProductsByOwner(ctx, u1.ID)
	if err != nil {
		t.Fatalf("ListProductsByOwner() failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != p.ID {
		t.Errorf("ListProductsByOwner() = %+v", list)
	}
}

func TestDeleteProduct(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	u := createTestUser(t, repo, "u@example.com")

	p := product("A")
	p.OwnerID = u.ID
	if err := repo.CreateProduct(ctx, &p); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteProduct(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProduct() failed: %v", err)
	}
	if err := repo.DeleteProduct(ctx, p.ID); !errors.Is(err, errors.NotFound) {
		t.Errorf("second DeleteProduct() err = %v, want NotFound", err)
	}
}

func TestProductTx(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	u1 := createTestUser(t, repo, "u1@example.com")
	u2 := createTestUser(t, repo, "u2@example.com")

	seed := func(owner string, codes ...string) {
		tx, err := repo.BeginProductTx(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var ps []models.Product
		for _, c := range codes {
			ps = append(ps, product(c))
		}
		if err := tx.Upsert(ctx, owner, ps); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	seed(u1.ID, "A", "B", "C")
	seed(u2.ID, "A", "B")

	t.Run("delete by codes is owner scoped", func(t *testing.T) {
		tx, err := repo.BeginProductTx(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer tx.Rollback()

		n, err := tx.DeleteByCodes(ctx, u1.ID, []string{"A", "B", "Z"})
		if err != nil {
			t.Fatalf("DeleteByCodes() failed: %v", err)
		}
		if n != 2 {
			t.Errorf("DeleteByCodes() = %d, want 2", n)
		}
		rest, err := tx.ByCodes(ctx, u1.ID, []string{"A", "B", "C"})
		if err != nil {
			t.Fatal(err)
		}
		if got := codesOf(rest); len(got) != 1 || got[0] != "C" {
			t.Errorf("remaining for u1 = %v, want [C]", got)
		}
		if err := tx.Rollback(); err != nil {
			t.Errorf("Rollback() failed: %v", err)
		}
		// Rolled back: nothing changed
		list, _ := repo.ListProductsByOwner(ctx, u1.ID)
		if len(list) != 3 {
			t.Errorf("rows after rollback = %d, want 3", len(list))
		}
		list, _ = repo.ListProductsByOwner(ctx, u2.ID)
		if len(list) != 2 {
			t.Errorf("u2 rows = %d, want 2", len(list))
		}
	})

	t.Run("upsert keeps id and updates fields", func(t *testing.T) {
		before, _ := repo.ListProductsByOwner(ctx, u1.ID)
		tx, err := repo.BeginProductTx(ctx)
		if err != nil {
			t.Fatal(err)
		}
		changed := product("A")
		changed.Name = "renamed"
		if err := tx.Upsert(ctx, u1.ID, []models.Product{changed}); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		if err := tx.Rollback(); err != nil {
			t.Errorf("Rollback() after Commit should be a no-op, got %v", err)
		}
		after, _ := repo.ListProductsByOwner(ctx, u1.ID)
		if after[0].ID != before[0].ID || after[0].Name != "renamed" {
			t.Errorf("upsert result = %+v, before = %+v", after[0], before[0])
		}
	})

	t.Run("delete by owner", func(t *testing.T) {
		tx, err := repo.BeginProductTx(ctx)
		if err != nil {
			t.Fatal(err)
		}
		n, err := tx.DeleteByOwner(ctx, u1.ID)
		if err != nil || n != 3 {
			t.Fatalf("DeleteByOwner() = %d, %v; want 3", n, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		list, _ := repo.ListProductsByOwner(ctx, u2.ID)
		if len(list) != 2 {
			t.Errorf("u2 rows = %d, want 2", len(list))
		}
	})
}

func TestProductTx_manyCodes(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	u := createTestUser(t, repo, "bulk@example.com")

	var ps []models.Product
	var codes []string
	for i := 0; i < maxInArgs*2+7; i++ {
		code := fmt.Sprintf("P%04d", i)
		ps = append(ps, product(code))
		codes = append(codes, code)
	}

	tx, err := repo.BeginProductTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tx.Upsert(ctx, u.ID, ps); err != nil {
		t.Fatal(err)
	}
	got, err := tx.ByCodes(ctx, u.ID, codes)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(codes) {
		t.Errorf("ByCodes() = %d rows, want %d", len(got), len(codes))
	}
	n, err := tx.DeleteByCodes(ctx, u.ID, codes)
	if err != nil || n != int64(len(codes)) {
		t.Errorf("DeleteByCodes() = %d, %v; want %d", n, err, len(codes))
	}
}

func TestChunk(t *testing.T) {
	if got := chunk(nil); len(got) != 0 {
		t.Errorf("chunk(nil) = %v", got)
	}
	values := make([]string, maxInArgs+1)
	got := chunk(values)
	if len(got) != 2 || len(got[0]) != maxInArgs || len(got[1]) != 1 {
		t.Errorf("chunk(%d) sizes wrong", len(values))
	}
	if placeholders(3) != "?, ?, ?" || placeholders(0) != "" {
		t.Errorf("placeholders() wrong")
	}
}

// =====================================================
// Inventory Tests
// =====================================================

func TestInventory(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	u1 := createTestUser(t, repo, "u1@example.com")
	u2 := createTestUser(t, repo, "u2@example.com")

	e := &models.InventoryEntry{Code: "A", Name: "Arroz", Quantity: 2.5, Location: "shelf 1", OwnerID: u1.ID}
	if err := repo.CreateInventoryEntry(ctx, e); err != nil {
		t.Fatalf("CreateInventoryEntry() failed: %v", err)
	}
	noLoc := &models.InventoryEntry{Code: "B", Name: "Frijol", Quantity: 1, OwnerID: u1.ID}
	if err := repo.CreateInventoryEntry(ctx, noLoc); err != nil {
		t.Fatal(err)
	}

	e.Quantity = 4
	if err := repo.UpdateInventoryEntry(ctx, e); err != nil {
		t.Fatalf("UpdateInventoryEntry() failed: %v", err)
	}

	stolen := *e
	stolen.OwnerID = u2.ID
	if err := repo.UpdateInventoryEntry(ctx, &stolen); !errors.Is(err, errors.NotFound) {
		t.Errorf("update by another owner err = %v, want NotFound", err)
	}

	list, err := repo.ListInventoryByOwner(ctx, u1.ID)
	if err != nil {
		t.Fatalf("ListInventoryByOwner() failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListInventoryByOwner() = %d entries, want 2", len(list))
	}
	byCode := map[string]models.InventoryEntry{}
	for _, x := range list {
		byCode[x.Code] = x
	}
	if byCode["A"].Quantity != 4 || byCode["A"].Location != "shelf 1" {
		t.Errorf("entry A = %+v", byCode["A"])
	}
	if byCode["B"].Location != "" {
		t.Errorf("entry B location = %q, want empty", byCode["B"].Location)
	}

	if list, _ := repo.ListInventoryByOwner(ctx, u2.ID); len(list) != 0 {
		t.Errorf("u2 should see no entries, got %d", len(list))
	}
}

// =====================================================
// User and Session Tests
// =====================================================

func TestUsers(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	u := createTestUser(t, repo, " Mixed@Example.com ")
	if u.Role != models.RoleUser {
		t.Errorf("default role = %q, want %q", u.Role, models.RoleUser)
	}

	dup := &models.User{Email: "mixed@example.com", PasswordHash: "x"}
	if err := repo.CreateUser(ctx, dup); !errors.Is(err, errors.AlreadyExists) {
		t.Errorf("duplicate email err = %v, want AlreadyExists", err)
	}

	got, err := repo.GetUserByEmail(ctx, "MIXED@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() failed: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("GetUserByEmail() = %s, want %s", got.ID, u.ID)
	}

	if err := repo.SetUserRole(ctx, u.ID, models.RoleAdmin); err != nil {
		t.Fatalf("SetUserRole() failed: %v", err)
	}
	got, err = repo.GetUserByID(ctx, u.ID)
	if err != nil || !got.IsAdmin() {
		t.Errorf("GetUserByID() = %+v, %v; want admin", got, err)
	}

	if _, err := repo.GetUserByID(ctx, "missing"); !errors.Is(err, errors.NotFound) {
		t.Errorf("missing user err = %v, want NotFound", err)
	}
	if err := repo.SetUserRole(ctx, "missing", models.RoleAdmin); !errors.Is(err, errors.NotFound) {
		t.Errorf("SetUserRole(missing) err = %v, want NotFound", err)
	}
}

func TestSessions(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	u := createTestUser(t, repo, "s@example.com")
	now := time.Now()

	hash := func(c byte) string {
		b := make([]byte, 64)
		for i := range b {
			b[i] = c
		}
		return string(b)
	}

	live := &models.Session{TokenHash: hash('a'), UserID: u.ID, ExpiresAt: now.Add(time.Hour).Unix()}
	expired := &models.Session{TokenHash: hash('b'), UserID: u.ID, ExpiresAt: now.Add(-time.Hour).Unix()}
	for _, s := range []*models.Session{live, expired} {
		if err := repo.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession() failed: %v", err)
		}
	}

	got, err := repo.GetSession(ctx, live.TokenHash)
	if err != nil || got.UserID != u.ID {
		t.Fatalf("GetSession() = %+v, %v", got, err)
	}

	n, err := repo.DeleteExpiredSessions(ctx, now)
	if err != nil || n != 1 {
		t.Errorf("DeleteExpiredSessions() = %d, %v; want 1", n, err)
	}

	if err := repo.DeleteSession(ctx, live.TokenHash); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetSession(ctx, live.TokenHash); !errors.Is(err, errors.NotFound) {
		t.Errorf("deleted session err = %v, want NotFound", err)
	}
	if err := repo.DeleteSession(ctx, live.TokenHash); !errors.Is(err, errors.NotFound) {
		t.Errorf("deleting unknown session err = %v, want NotFound", err)
	}

	if err := repo.CreateSession(ctx, &models.Session{TokenHash: hash('c'), UserID: u.ID, ExpiresAt: now.Add(time.Hour).Unix()}); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteUserSessions(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetSession(ctx, hash('c')); !errors.Is(err, errors.NotFound) {
		t.Errorf("session after DeleteUserSessions err = %v, want NotFound", err)
	}
}

// =====================================================
// ChangeLog Tests
// =====================================================

func TestChangeLogTriggers(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	u := createTestUser(t, repo, "feed@example.com")

	head, err := repo.LatestChangeID(ctx)
	if err != nil || head != 0 {
		t.Fatalf("LatestChangeID() on empty log = %d, %v", head, err)
	}

	e := &models.InventoryEntry{Code: "A", Name: "Arroz", Quantity: 1, OwnerID: u.ID}
	if err := repo.CreateInventoryEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Quantity = 3
	if err := repo.UpdateInventoryEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	p := product("X")
	p.OwnerID = u.ID
	if err := repo.CreateProduct(ctx, &p); err != nil {
		t.Fatal(err)
	}

	all, err := repo.ChangesAfter(ctx, 0, nil, 100)
	if err != nil {
		t.Fatalf("ChangesAfter() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ChangesAfter() = %d rows, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Errorf("changes not in id order: %d after %d", all[i].ID, all[i-1].ID)
		}
	}

	inv, err := repo.ChangesAfter(ctx, 0, []string{"inventory"}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(inv) != 2 || inv[0].Operation != models.OperationInsert || inv[1].Operation != models.OperationUpdate {
		t.Fatalf("inventory changes = %+v", inv)
	}
	if inv[0].OldRow != nil {
		t.Errorf("insert should carry no old row, got %s", inv[0].OldRow)
	}
	var row models.InventoryEntry
	if err := json.Unmarshal(inv[1].NewRow, &row); err != nil {
		t.Fatalf("new row is not JSON: %v", err)
	}
	if row.ID != e.ID || row.Quantity != 3 || row.OwnerID != u.ID {
		t.Errorf("new row = %+v", row)
	}

	after, err := repo.ChangesAfter(ctx, inv[0].ID, []string{"inventory"}, 100)
	if err != nil || len(after) != 1 {
		t.Errorf("ChangesAfter(cursor) = %d rows, %v; want 1", len(after), err)
	}
	limited, _ := repo.ChangesAfter(ctx, 0, nil, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d rows", len(limited))
	}

	head, _ = repo.LatestChangeID(ctx)
	if head != all[2].ID {
		t.Errorf("LatestChangeID() = %d, want %d", head, all[2].ID)
	}

	n, err := repo.PruneChanges(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Errorf("PruneChanges(past) = %d, %v; want 0", n, err)
	}
	n, err = repo.PruneChanges(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 3 {
		t.Errorf("PruneChanges(future) = %d, %v; want 3", n, err)
	}
	// Ids keep increasing after a prune
	if err := repo.CreateInventoryEntry(ctx, &models.InventoryEntry{Code: "B", OwnerID: u.ID}); err != nil {
		t.Fatal(err)
	}
	next, _ := repo.LatestChangeID(ctx)
	if next <= head {
		t.Errorf("change id after prune = %d, want > %d", next, head)
	}
}
