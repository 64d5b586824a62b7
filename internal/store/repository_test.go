package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-engine/internal/config"
	"entity-engine/internal/metadata"
	"entity-engine/internal/record"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "engine"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))
	return s
}

func forEachRepository(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func sampleRow(id string, folio int64) *record.Row {
	at := time.Date(2024, 3, 1, 9, 30, 0, 123456789, time.UTC)
	row := &record.Row{
		ID: id, Entity: "project", Folio: folio, State: "open",
		CreatedBy: "u1", CreatedAt: at, UpdatedBy: "u1", UpdatedAt: at,
		SearchText: "alpha",
	}
	row.Set("name", record.Text("Alpha"))
	row.Set("budget_cap", record.Number(0.1+0.2))
	row.Set("active", record.Bool(false))
	row.Set("due", record.Date(at))
	row.Set("band", record.RangeOf(1.5, 9))
	row.Set("logo", record.Media(record.MediaRef{FileID: "f1", Filename: "logo.png", MimeType: "image/png", Size: 42}))
	row.SetComputed("total", record.Computed{Value: record.Number(12)})
	row.SetComputed("ratio", record.UnavailableCell("division by zero"))
	return row
}

func TestRepositorySchemaRoundTrip(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		entity := &metadata.Entity{
			Name: "project", TitleSingular: "Project", Prefix: "PRJ",
			Properties: []metadata.Property{
				{Name: "name", Type: metadata.TypeText, Required: true, IsDisplay: true},
				{Name: "kind", Type: metadata.TypeSelect, Options: []string{"a", "b"}, Default: "a"},
			},
			Workflow: metadata.Workflow{
				States:  []metadata.WorkflowState{{Name: "open"}, {Name: "done"}},
				Actions: []metadata.WorkflowAction{{Name: "finish", From: metadata.StateList{"open"}, To: "done"}},
			},
		}
		rel := &metadata.Relationship{Name: "project_tasks", Parent: "project", Child: "task", Type: metadata.OneToMany}
		perm := &metadata.Permission{Entity: "project", Action: metadata.ActionRead, Roles: []string{"viewer"}}

		err := repo.RunInTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.SaveEntity(ctx, entity))
			require.NoError(t, tx.SaveEntity(ctx, &metadata.Entity{Name: "task", TitleSingular: "Task"}))
			require.NoError(t, tx.SaveRelationship(ctx, rel))
			return tx.ReplacePermissions(ctx, "project", []*metadata.Permission{perm})
		})
		require.NoError(t, err)

		s, err := repo.LoadSchema(ctx)
		require.NoError(t, err)
		require.Len(t, s.Entities, 2)
		got := s.Entity("project")
		require.NotNil(t, got)
		assert.Equal(t, "PRJ", got.Prefix)
		assert.Equal(t, []string{"a", "b"}, got.GetProperty("kind").Options)
		assert.Equal(t, metadata.StateList{"open"}, got.Workflow.FindAction("finish").From)
		assert.Equal(t, rel, s.Relationship("project_tasks"))
		require.Len(t, s.Permissions, 1)
		assert.NotEmpty(t, s.Permissions[0].ID)
	})
}

func TestRepositoryRowRoundTrip(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		want := sampleRow("r1", 1)
		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error { return tx.InsertRow(ctx, want) }))

		var got *record.Row
		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			var err error
			got, err = tx.GetRow(ctx, "r1")
			return err
		}))

		assert.Equal(t, want.Folio, got.Folio)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		require.Len(t, got.Values, len(want.Values))
		for prop, v := range want.Values {
			assert.True(t, v.Equal(got.Values[prop]), "value %s: want %v got %v", prop, v, got.Values[prop])
		}
		assert.True(t, got.Computed["total"].Value.Equal(record.Number(12)))
		assert.True(t, got.Computed["ratio"].Unavailable)
		assert.Equal(t, "division by zero", got.Computed["ratio"].Reason)
	})
}

func TestRepositoryUpdateReplacesValues(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		row := sampleRow("r1", 1)
		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error { return tx.InsertRow(ctx, row) }))

		row.Set("name", record.Text("Beta"))
		row.Set("band", record.Value{})
		row.State = "done"
		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error { return tx.UpdateRow(ctx, row) }))

		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			got, err := tx.GetRow(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "done", got.State)
			name, _ := got.Values["name"].Text()
			assert.Equal(t, "Beta", name)
			_, hasBand := got.Values["band"]
			assert.False(t, hasBand)

			missing := &record.Row{ID: "nope", Entity: "project"}
			assert.ErrorIs(t, tx.UpdateRow(ctx, missing), ErrNotFound)
			return nil
		}))
	})
}

func TestRepositoryRollsBackFailedTransactions(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		boom := errors.New("boom")
		err := repo.RunInTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.InsertRow(ctx, sampleRow("r1", 1)))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			_, err := tx.GetRow(ctx, "r1")
			assert.ErrorIs(t, err, ErrNotFound)
			n, err := tx.CountRows(ctx, "project")
			assert.Zero(t, n)
			return err
		}))
	})
}

func TestRepositoryFoliosAreUniqueUnderConcurrency(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		const n = 20

		var mu sync.Mutex
		var got []int64
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f, err := repo.NextFolio(ctx, "project")
				assert.NoError(t, err)
				mu.Lock()
				got = append(got, f)
				mu.Unlock()
			}()
		}
		wg.Wait()

		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		for i, f := range got {
			assert.Equal(t, int64(i+1), f)
		}

		other, err := repo.NextFolio(ctx, "task")
		require.NoError(t, err)
		assert.Equal(t, int64(1), other, "folio sequences are per entity")
	})
}

func TestRepositoryLinks(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			for i, id := range []string{"p1", "c1", "c2"} {
				r := sampleRow(id, int64(i+1))
				if id != "p1" {
					r.Entity = "task"
				}
				require.NoError(t, tx.InsertRow(ctx, r))
			}
			now := time.Now().UTC()
			require.NoError(t, tx.InsertLink(ctx, record.Link{Relationship: "project_tasks", ParentID: "p1", ChildID: "c2", CreatedAt: now}))
			require.NoError(t, tx.InsertLink(ctx, record.Link{Relationship: "project_tasks", ParentID: "p1", ChildID: "c1", CreatedAt: now}))

			dup := tx.InsertLink(ctx, record.Link{Relationship: "project_tasks", ParentID: "p1", ChildID: "c1", CreatedAt: now})
			assert.ErrorIs(t, dup, ErrUniqueViolation)
			return nil
		}))

		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			links, err := tx.Links(ctx, LinkQuery{Relationship: "project_tasks", ParentID: "p1"})
			require.NoError(t, err)
			require.Len(t, links, 2)
			assert.Equal(t, "c2", links[0].ChildID, "links keep insertion order")
			assert.Equal(t, int64(1), links[0].Position)
			assert.Equal(t, int64(2), links[1].Position)

			byRow, err := tx.Links(ctx, LinkQuery{RowID: "c1"})
			require.NoError(t, err)
			assert.Len(t, byRow, 1)

			assert.ErrorIs(t, tx.DeleteLink(ctx, "project_tasks", "p1", "zz"), ErrNotFound)

			require.NoError(t, tx.DeleteRow(ctx, "c1"))
			links, err = tx.Links(ctx, LinkQuery{ParentID: "p1"})
			require.NoError(t, err)
			assert.Len(t, links, 1, "deleting a row drops its links")
			return nil
		}))
	})
}

func TestRepositoryDeleteEntityRemovesEverything(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.SaveEntity(ctx, &metadata.Entity{Name: "project"}))
			require.NoError(t, tx.InsertRow(ctx, sampleRow("r1", 1)))
			require.NoError(t, tx.SaveGrant(ctx, &metadata.RowGrant{ID: "g1", Entity: "project", RowID: "r1", UserID: "u2", Actions: []string{"read"}}))
			return nil
		}))

		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			grants, err := tx.Grants(ctx, "project")
			require.NoError(t, err)
			require.Len(t, grants, 1)
			return tx.DeleteEntity(ctx, "project")
		}))

		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			rows, err := tx.ListRows(ctx, "project")
			require.NoError(t, err)
			assert.Empty(t, rows)
			grants, err := tx.Grants(ctx, "project")
			require.NoError(t, err)
			assert.Empty(t, grants)
			s, err := tx.LoadSchema(ctx)
			require.NoError(t, err)
			assert.Nil(t, s.Entity("project"))
			return nil
		}))
	})
}

func TestRepositoryDeleteProperty(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.InsertRow(ctx, sampleRow("r1", 1)))
			return tx.DeleteProperty(ctx, "project", "name")
		}))
		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			got, err := tx.GetRow(ctx, "r1")
			require.NoError(t, err)
			_, ok := got.Values["name"]
			assert.False(t, ok)
			assert.Contains(t, got.Values, "due")
			return nil
		}))
	})
}

func TestRepositoryUsers(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		require.NoError(t, SeedAdminUser(ctx, repo))
		require.NoError(t, SeedAdminUser(ctx, repo), "seeding twice is a no-op")

		require.NoError(t, repo.RunInTx(ctx, func(tx Tx) error {
			n, err := tx.CountUsers(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			admin, err := tx.FindUserByEmail(ctx, "admin@localhost")
			require.NoError(t, err)
			assert.True(t, admin.SuperUser)
			assert.Equal(t, []string{"admin"}, admin.Roles)

			dup := tx.SaveUser(ctx, &User{ID: "other", Email: "admin@localhost", PasswordHash: "x", Roles: []string{}})
			assert.ErrorIs(t, dup, ErrUniqueViolation)

			_, err = tx.FindUserByEmail(ctx, "ghost@localhost")
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		}))
	})
}
