package testing

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
)

// RunDocDBBenchmarks runs all benchmarks for a document database implementation
func RunDocDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("CommitSet", func(b *testing.B) {
			benchmarkCommitSet(b, factory())
		})

		b.Run("CommitUpdate", func(b *testing.B) {
			benchmarkCommitUpdate(b, factory())
		})

		b.Run("List", func(b *testing.B) {
			benchmarkList(b, factory())
		})

		b.Run("SaveLoad", func(b *testing.B) {
			benchmarkSaveLoad(b, factory)
		})
	})
}

func benchmarkCommitSet(b *testing.B, database db.DocDB) {
	defer database.Close()
	var idx atomic.Uint64

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("doc-%d", i)
		_, err := database.Commit(db.Commit{Ops: []db.Op{
			{Type: model.OpSet, Collection: "bench", ID: id, Data: model.Document{"id": id, "n": float64(i)}},
		}}, idx.Add(1))
		if err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkCommitUpdate(b *testing.B, database db.DocDB) {
	defer database.Close()

	if _, err := database.Commit(db.Commit{Ops: []db.Op{
		{Type: model.OpSet, Collection: "bench", ID: "hot", Data: model.Document{"id": "hot"}},
	}}, 1); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := database.Commit(db.Commit{Ops: []db.Op{
			{Type: model.OpUpdate, Collection: "bench", ID: "hot", Data: model.Document{"n": float64(i)}, BaseRevision: uint64(i + 1)},
		}}, uint64(i+2))
		if err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkList(b *testing.B, database db.DocDB) {
	defer database.Close()
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("doc-%d", i)
		if _, err := database.Commit(db.Commit{Ops: []db.Op{
			{Type: model.OpSet, Collection: "bench", ID: id, Data: model.Document{"id": id}},
		}}, uint64(i+1)); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := database.List("bench"); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	src := factory()
	defer src.Close()
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("doc-%d", i)
		if _, err := src.Commit(db.Commit{Ops: []db.Op{
			{Type: model.OpSet, Collection: "bench", ID: id, Data: model.Document{"id": id}},
		}}, uint64(i+1)); err != nil {
			b.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := src.Save(&buf); err != nil {
		b.Fatal(err)
	}
	data := buf.Bytes()

	b.Run("Save", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var out bytes.Buffer
			if err := src.Save(&out); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Load", func(b *testing.B) {
		dst := factory()
		defer dst.Close()
		for i := 0; i < b.N; i++ {
			if err := dst.Load(bytes.NewReader(data)); err != nil {
				b.Fatal(err)
			}
		}
	})
}
