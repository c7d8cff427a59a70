package memdb

import (
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	dbtesting "github.com/ValentinKolb/dSync/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunDocDBTests(t, "MemDB", func() db.DocDB {
		return NewMemDB()
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunDocDBBenchmarks(b, "MemDB", func() db.DocDB {
		return NewMemDB()
	})
}
