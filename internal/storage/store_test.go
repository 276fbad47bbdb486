package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			Title:       fmt.Sprintf("Livre %03d", i),
			Author:      "Auteur",
			Description: fmt.Sprintf("Une histoire numéro %d", i),
			Publisher:   "Gallimard",
			Format:      "Broché",
			PublishedAt: time.Date(2020, 1, 1+i%28, 0, 0, 0, 0, time.UTC),
			ImageURL:    fmt.Sprintf("https://img.example.com/%d.jpg", i),
		}
	}
	return records
}

func seed(t *testing.T, s *Store, records []Record) []string {
	t.Helper()
	n, err := s.InsertRecords(context.Background(), records)
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if n != len(records) {
		t.Fatalf("inserted %d records, want %d", n, len(records))
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = RecordID(r)
	}
	return ids
}

func writeRows(t *testing.T, s *Store, kinds []Kind, ids []string, d Derived) {
	t.Helper()
	stmt, err := s.UpdateStatement(kinds)
	if err != nil {
		t.Fatalf("UpdateStatement: %v", err)
	}
	batch := make([][]any, 0, len(ids))
	for _, id := range ids {
		args, err := stmt.Bind(id, d)
		if err != nil {
			t.Fatalf("Bind: %v", err)
		}
		batch = append(batch, args)
	}
	if err := s.ExecBatch(context.Background(), stmt, batch); err != nil {
		t.Fatalf("ExecBatch: %v", err)
	}
}

func selectIDs(t *testing.T, s *Store, sel Selection) []string {
	t.Helper()
	rows, err := s.SelectDue(context.Background(), sel)
	if err != nil {
		t.Fatalf("SelectDue(%+v): %v", sel, err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

func intPtr(i int) *int { return &i }

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Options{Driver: DriverPostgres}); err == nil {
		t.Fatal("expected error for postgres without DSN")
	}
}

func TestRecordIDStable(t *testing.T) {
	r := testRecords(1)[0]
	id := RecordID(r)
	if len(id) != 64 {
		t.Fatalf("id length = %d, want 64", len(id))
	}

	again := r
	again.Description = "une autre description"
	again.Labels = []string{"roman"}
	if RecordID(again) != id {
		t.Error("id depends on fields outside the identity set")
	}

	other := r
	other.Title = "Autre titre"
	if RecordID(other) == id {
		t.Error("different titles produced the same id")
	}

	local := r
	local.PublishedAt = r.PublishedAt.In(time.FixedZone("CET", 3600))
	if RecordID(local) != id {
		t.Error("id depends on the time zone of published_at")
	}
}

func TestInsertRecordsIgnoresDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	records := testRecords(5)
	seed(t, s, records)

	n, err := s.InsertRecords(ctx, records)
	if err != nil {
		t.Fatalf("second InsertRecords: %v", err)
	}
	if n != 0 {
		t.Errorf("re-inserting existing records inserted %d rows, want 0", n)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 5 {
		t.Errorf("Total = %d, want 5", st.Total)
	}
}

func TestInsertRecordsPreservesDerived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	records := testRecords(1)
	ids := seed(t, s, records)
	writeRows(t, s, []Kind{KindEmbedding}, ids, Derived{Embedding: []float32{0.5, 1}})

	if _, err := s.InsertRecords(ctx, records); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	row, err := s.GetRow(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if len(row.Derived.Embedding) != 2 {
		t.Errorf("re-ingestion cleared embedding: %v", row.Derived.Embedding)
	}
}

func TestSelectDueIncremental(t *testing.T) {
	s := openTestStore(t)
	ids := seed(t, s, testRecords(4))

	got := selectIDs(t, s, Selection{Kinds: []Kind{KindEmbedding, KindTFIDF}})
	if len(got) != 4 {
		t.Fatalf("selected %d rows, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("rows not ordered by id: %v", got)
		}
	}

	// Rows with both vectors drop out; rows missing either stay.
	writeRows(t, s, []Kind{KindEmbedding, KindTFIDF}, ids[:2], Derived{Embedding: []float32{1}, TFIDF: []float32{1}})
	writeRows(t, s, []Kind{KindEmbedding}, ids[2:3], Derived{Embedding: []float32{1}})

	got = selectIDs(t, s, Selection{Kinds: []Kind{KindEmbedding, KindTFIDF}})
	if len(got) != 2 {
		t.Fatalf("selected %v, want the two rows missing a vector", got)
	}
}

func TestSelectDueEmpty(t *testing.T) {
	s := openTestStore(t)
	rows, err := s.SelectDue(context.Background(), Selection{Kinds: []Kind{KindEmbedding}})
	if err != nil {
		t.Fatalf("SelectDue: %v", err)
	}
	if rows != nil {
		t.Errorf("expected nil rows, got %v", rows)
	}
}

func TestSelectDueNoKinds(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.SelectDue(context.Background(), Selection{}); err == nil {
		t.Fatal("expected error for empty selection")
	}
}

func TestClusterSelectionRequiresTFIDF(t *testing.T) {
	s := openTestStore(t)
	ids := seed(t, s, testRecords(3))

	for _, full := range []bool{false, true} {
		if got := selectIDs(t, s, Selection{Kinds: []Kind{KindCluster}, Full: full}); len(got) != 0 {
			t.Errorf("full=%v: selected rows without tfidf: %v", full, got)
		}
	}

	writeRows(t, s, []Kind{KindTFIDF}, ids[:1], Derived{TFIDF: []float32{0.1, 0.2}})

	for _, full := range []bool{false, true} {
		got := selectIDs(t, s, Selection{Kinds: []Kind{KindCluster}, Full: full})
		if len(got) != 1 || got[0] != ids[0] {
			t.Errorf("full=%v: selected %v, want only %s", full, got, ids[0])
		}
	}

	writeRows(t, s, []Kind{KindCluster}, ids[:1], Derived{Flags: DerivedFlags{ClusterLabel: intPtr(0)}})

	if got := selectIDs(t, s, Selection{Kinds: []Kind{KindCluster}}); len(got) != 0 {
		t.Errorf("labelled row still selected incrementally: %v", got)
	}
	if got := selectIDs(t, s, Selection{Kinds: []Kind{KindCluster}, Full: true}); len(got) != 1 {
		t.Errorf("full pass should reselect labelled rows, got %v", got)
	}
}

func TestImageSelection(t *testing.T) {
	s := openTestStore(t)
	records := testRecords(3)
	records[2].ImageURL = ""
	ids := seed(t, s, records)

	got := selectIDs(t, s, Selection{Kinds: []Kind{KindImage}})
	if len(got) != 2 {
		t.Fatalf("selected %v, want the two rows with an image url", got)
	}

	writeRows(t, s, []Kind{KindImage}, ids[:1], Derived{Flags: DerivedFlags{ImageDownloaded: true}})
	got = selectIDs(t, s, Selection{Kinds: []Kind{KindImage}})
	if len(got) != 1 || got[0] != ids[1] {
		t.Errorf("selected %v, want only %s", got, ids[1])
	}
}

func TestFlagWritesDoNotClobber(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seed(t, s, testRecords(1))

	writeRows(t, s, []Kind{KindImage}, ids, Derived{Flags: DerivedFlags{ImageDownloaded: true}})
	writeRows(t, s, []Kind{KindCluster}, ids, Derived{Flags: DerivedFlags{ClusterLabel: intPtr(7)}})

	row, err := s.GetRow(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if !row.Derived.Flags.ImageDownloaded {
		t.Error("cluster write cleared image flag")
	}
	if row.Derived.Flags.ClusterLabel == nil || *row.Derived.Flags.ClusterLabel != 7 {
		t.Errorf("cluster label = %v, want 7", row.Derived.Flags.ClusterLabel)
	}
}

func TestUpdateStatementBindsOnlyItsKinds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seed(t, s, testRecords(1))

	writeRows(t, s, []Kind{KindTFIDF}, ids, Derived{TFIDF: []float32{0.25, 0.75}})
	// An embedding-only statement must not touch the tfidf column even when
	// the derived value carries one.
	writeRows(t, s, []Kind{KindEmbedding}, ids, Derived{Embedding: []float32{3}, TFIDF: []float32{9}})

	row, err := s.GetRow(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if len(row.Derived.TFIDF) != 2 || row.Derived.TFIDF[0] != 0.25 || row.Derived.TFIDF[1] != 0.75 {
		t.Errorf("tfidf = %v, want [0.25 0.75]", row.Derived.TFIDF)
	}
	if len(row.Derived.Embedding) != 1 || row.Derived.Embedding[0] != 3 {
		t.Errorf("embedding = %v, want [3]", row.Derived.Embedding)
	}
}

func TestUpdateStatementErrors(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpdateStatement(nil); err == nil {
		t.Error("expected error for no kinds")
	}
	if _, err := s.UpdateStatement([]Kind{KindTFIDF, KindTFIDF}); err == nil {
		t.Error("expected error for duplicate kinds")
	}
	if _, err := s.UpdateStatement([]Kind{"colour"}); err == nil {
		t.Error("expected error for unknown kind")
	}

	stmt, err := s.UpdateStatement([]Kind{KindEmbedding, KindTFIDF})
	if err != nil {
		t.Fatalf("UpdateStatement: %v", err)
	}
	if _, err := stmt.Bind("x", Derived{Embedding: []float32{1}}); err == nil {
		t.Error("expected error binding a row without tfidf")
	}
	args, err := stmt.Bind("x", Derived{Embedding: []float32{1}, TFIDF: []float32{2}})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if len(args) != 3 || args[2] != "x" {
		t.Errorf("args = %v, want two values then the id", args)
	}
}

func TestExecBatchIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seed(t, s, testRecords(2))

	stmt, err := s.UpdateStatement([]Kind{KindEmbedding})
	if err != nil {
		t.Fatalf("UpdateStatement: %v", err)
	}
	good, err := stmt.Bind(ids[0], Derived{Embedding: []float32{1}})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	// A value the driver cannot convert fails the second statement.
	bad := []any{struct{}{}, ids[1]}

	if err := s.ExecBatch(ctx, stmt, [][]any{good, bad}); err == nil {
		t.Fatal("expected batch to fail")
	}

	row, err := s.GetRow(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if row.Derived.Embedding != nil {
		t.Errorf("failed batch left a partial write: %v", row.Derived.Embedding)
	}
}

func TestCorpusAndTFIDFVectors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seed(t, s, testRecords(3))

	corpus, err := s.Corpus(ctx)
	if err != nil {
		t.Fatalf("Corpus: %v", err)
	}
	if len(corpus) != 3 {
		t.Fatalf("corpus has %d texts, want 3", len(corpus))
	}

	writeRows(t, s, []Kind{KindTFIDF}, ids[:2], Derived{TFIDF: []float32{1, 0}})
	vectors, err := s.TFIDFVectors(ctx)
	if err != nil {
		t.Fatalf("TFIDFVectors: %v", err)
	}
	if len(vectors) != 2 {
		t.Errorf("got %d vectors, want 2", len(vectors))
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := seed(t, s, testRecords(4))

	writeRows(t, s, []Kind{KindEmbedding, KindTFIDF}, ids[:3], Derived{Embedding: []float32{1}, TFIDF: []float32{1}})
	writeRows(t, s, []Kind{KindCluster}, ids[:2], Derived{Flags: DerivedFlags{ClusterLabel: intPtr(1)}})
	writeRows(t, s, []Kind{KindImage}, ids[:1], Derived{Flags: DerivedFlags{ImageDownloaded: true}})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{Total: 4, Embedded: 3, Vectorized: 3, Clustered: 2, Images: 1}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}
}

func TestGetRowNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRow(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReconnectMemory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seed(t, s, testRecords(1))

	if err := s.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 1 {
		t.Errorf("in-memory data lost on reconnect: total = %d", st.Total)
	}
}

func TestRebind(t *testing.T) {
	got := postgresDialect.rebind("UPDATE catalog SET a = ?, b = '?' WHERE id = ?")
	want := "UPDATE catalog SET a = $1, b = '?' WHERE id = $2"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	if got := sqliteDialect.rebind("id = ?"); got != "id = ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), ClassReconnect},
		{"conn done", sql.ErrConnDone, ClassReconnect},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, ClassReconnect},
		{"pg admin shutdown", &pgconn.PgError{Code: "57P01"}, ClassReconnect},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, ClassTransient},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, ClassTransient},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, ClassFatal},
		{"pg syntax", &pgconn.PgError{Code: "42601"}, ClassFatal},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), ClassTransient},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"plain", errors.New("constraint failed"), ClassFatal},
		{"nil", nil, ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if got.Retryable() != (tt.want != ClassFatal) {
				t.Errorf("%v.Retryable() = %v", got, got.Retryable())
			}
		})
	}
}
