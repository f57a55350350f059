package executor

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/quartzdb/quartzdb/internal/catalog"
	"github.com/quartzdb/quartzdb/internal/idgen"
	"github.com/quartzdb/quartzdb/internal/query/ir"
	"github.com/quartzdb/quartzdb/internal/query/planner"
	"github.com/quartzdb/quartzdb/internal/storage/columnar"
	"github.com/quartzdb/quartzdb/internal/storage/index"
	"github.com/quartzdb/quartzdb/internal/storage/kv"
	"github.com/quartzdb/quartzdb/internal/storage/rowstore"
	"github.com/quartzdb/quartzdb/internal/value"
)

type fixture struct {
	h    *kv.Handle
	rows *rowstore.Store
	cat  *catalog.Catalog
	ex   *Executor
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	h, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	rows := rowstore.New(h, idgen.New(), nil)
	cols, err := columnar.Open(h, nil)
	if err != nil {
		t.Fatalf("columnar.Open: %v", err)
	}
	hashIdx, err := index.NewHashIndex(h)
	if err != nil {
		t.Fatalf("NewHashIndex: %v", err)
	}
	rangeIdx := index.NewRangeIndex(h)

	cat := catalog.New(nil)
	user := &catalog.EntityDef{
		Name: "User", IdentityField: "id",
		Fields: []catalog.FieldDef{
			{Name: "id", Scalar: catalog.ScalarUUID},
			{Name: "name", Scalar: catalog.ScalarString, Indexed: true},
			{Name: "age", Scalar: catalog.ScalarInt64, RangeIndexed: true},
		},
	}
	post := &catalog.EntityDef{
		Name: "Post", IdentityField: "id",
		Fields: []catalog.FieldDef{
			{Name: "id", Scalar: catalog.ScalarUUID},
			{Name: "title", Scalar: catalog.ScalarString},
			{Name: "author_id", Scalar: catalog.ScalarUUID},
		},
	}
	userPosts := &catalog.RelationDef{
		Name: "posts", FromEntity: "User", FromField: "id",
		ToEntity: "Post", ToField: "author_id", Cardinality: catalog.OneToMany,
	}
	bundle := &catalog.Bundle{
		Version:   1,
		Entities:  map[string]*catalog.EntityDef{"User": user, "Post": post},
		Relations: map[string]*catalog.RelationDef{"posts": userPosts},
	}
	if err := cat.ApplySchema(bundle); err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}

	ex := New(rows, cols, hashIdx, rangeIdx, cat, planner.New(cat), nil)
	return &fixture{h: h, rows: rows, cat: cat, ex: ex}
}

func (f *fixture) putUser(t *testing.T, tx *bolt.Tx, name string, age int64) value.UUID {
	t.Helper()
	id := f.rows.GenerateID()
	payload := value.EncodeEntity([]value.Field{
		{Name: "id", Value: value.FromUUID(id)},
		{Name: "name", Value: value.String(name)},
		{Name: "age", Value: value.Int64(age)},
	})
	if err := f.rows.PutTyped(tx, "User", rowstore.Key{EntityID: id, VersionTS: 1}, rowstore.Record{Payload: payload}); err != nil {
		t.Fatalf("PutTyped user: %v", err)
	}
	return id
}

func (f *fixture) putPost(t *testing.T, tx *bolt.Tx, title string, authorID value.UUID) value.UUID {
	t.Helper()
	id := f.rows.GenerateID()
	payload := value.EncodeEntity([]value.Field{
		{Name: "id", Value: value.FromUUID(id)},
		{Name: "title", Value: value.String(title)},
		{Name: "author_id", Value: value.FromUUID(authorID)},
	})
	if err := f.rows.PutTyped(tx, "Post", rowstore.Key{EntityID: id, VersionTS: 1}, rowstore.Record{Payload: payload}); err != nil {
		t.Fatalf("PutTyped post: %v", err)
	}
	return id
}

func TestFetchAndMaterializeFullScanWithFilter(t *testing.T) {
	f := setupFixture(t)
	err := f.h.Update(func(tx *bolt.Tx) error {
		f.putUser(t, tx, "alice", 30)
		f.putUser(t, tx, "bob", 40)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = f.h.View(func(tx *bolt.Tx) error {
		userDef, _ := f.cat.GetEntity("User")
		filt := ir.Gt("age", value.Int64(35))
		rows, _, err := f.ex.fetchAndMaterialize(tx, userDef, &filt, nil, nil, nil)
		if err != nil {
			return err
		}
		if len(rows) != 1 || rows[0].Fields["name"].Str != "bob" {
			t.Errorf("unexpected rows: %+v", rows)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestExecuteWithIncludes(t *testing.T) {
	f := setupFixture(t)
	var alice, bob value.UUID
	err := f.h.Update(func(tx *bolt.Tx) error {
		alice = f.putUser(t, tx, "alice", 30)
		bob = f.putUser(t, tx, "bob", 40)
		f.putPost(t, tx, "alice post 1", alice)
		f.putPost(t, tx, "alice post 2", alice)
		f.putPost(t, tx, "bob post 1", bob)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = f.h.View(func(tx *bolt.Tx) error {
		q := ir.GraphQuery{
			RootEntity: "User",
			Includes:   []ir.RelationInclude{{Path: "posts"}},
		}
		res, err := f.ex.Execute(tx, q)
		if err != nil {
			return err
		}
		if len(res.Rows) != 2 {
			t.Fatalf("got %d rows, want 2", len(res.Rows))
		}
		for _, row := range res.Rows {
			switch row.Fields["name"].Str {
			case "alice":
				if len(row.Includes["posts"]) != 2 {
					t.Errorf("alice posts = %d, want 2", len(row.Includes["posts"]))
				}
			case "bob":
				if len(row.Includes["posts"]) != 1 {
					t.Errorf("bob posts = %d, want 1", len(row.Includes["posts"]))
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSortRowsNullFirstAndStable(t *testing.T) {
	rows := []Row{
		{ID: value.UUID{1}, Fields: map[string]value.Value{"age": value.Int64(30)}},
		{ID: value.UUID{2}, Fields: map[string]value.Value{}},
		{ID: value.UUID{3}, Fields: map[string]value.Value{"age": value.Int64(10)}},
	}
	sortRows(rows, []ir.OrderSpec{{Field: "age"}})
	if rows[0].ID != (value.UUID{2}) {
		t.Errorf("expected NULL age first, got %+v", rows[0])
	}
	if rows[1].ID != (value.UUID{3}) || rows[2].ID != (value.UUID{1}) {
		t.Errorf("unexpected order: %+v", rows)
	}
}

func TestApplyPagination(t *testing.T) {
	rows := []Row{{ID: value.UUID{1}}, {ID: value.UUID{2}}, {ID: value.UUID{3}}}
	page, hasMore := applyPagination(rows, &ir.Pagination{Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].ID != (value.UUID{2}) || !hasMore {
		t.Errorf("unexpected page: %+v hasMore=%v", page, hasMore)
	}

	page, hasMore = applyPagination(rows, &ir.Pagination{Offset: 2, Limit: 5})
	if len(page) != 1 || hasMore {
		t.Errorf("unexpected final page: %+v hasMore=%v", page, hasMore)
	}
}

func TestSelectAccessPathUsesHashIndex(t *testing.T) {
	f := setupFixture(t)
	var alice value.UUID
	err := f.h.Update(func(tx *bolt.Tx) error {
		alice = f.putUser(t, tx, "alice", 30)
		f.putUser(t, tx, "bob", 40)
		return f.ex.hash.Insert(tx, "User", "name", value.String("alice"), alice)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = f.h.View(func(tx *bolt.Tx) error {
		userDef, _ := f.cat.GetEntity("User")
		filt := ir.Eq("name", value.String("alice"))
		path, ids, err := f.ex.selectAccessPath(tx, userDef, &filt)
		if err != nil {
			return err
		}
		if path != AccessHashIndex {
			t.Errorf("access path = %v, want hash index", path)
		}
		if len(ids) != 1 || ids[0] != alice {
			t.Errorf("unexpected ids: %v", ids)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestBudgetExceededOnEntities(t *testing.T) {
	f := setupFixture(t)
	err := f.h.Update(func(tx *bolt.Tx) error {
		f.putUser(t, tx, "alice", 30)
		f.putUser(t, tx, "bob", 40)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = f.h.View(func(tx *bolt.Tx) error {
		q := ir.GraphQuery{RootEntity: "User", Budget: ir.FanoutBudget{MaxEntities: 1, MaxEdges: 50000, MaxDepth: 5}}
		_, err := f.ex.Execute(tx, q)
		if err == nil {
			t.Fatal("expected budget error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
