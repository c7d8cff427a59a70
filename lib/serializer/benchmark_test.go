package serializer

import (
	"fmt"
	"testing"
)

// benchmarkValues returns a set of values for targeted benchmarking
func benchmarkValues() map[string]envelope {
	docs := make([]byte, 0, 16*1024)
	docs = append(docs, '[')
	for i := 0; i < 200; i++ {
		if i > 0 {
			docs = append(docs, ',')
		}
		docs = append(docs, fmt.Sprintf(`{"id":"T%03d","name":"Test %d","mrp":%d}`, i, i, 100+i)...)
	}
	docs = append(docs, ']')

	return map[string]envelope{
		"Empty":      {},
		"Small":      {Collection: "tests", Version: 1, Origin: "node", Data: []byte(`[{"id":"T1"}]`)},
		"Collection": {Collection: "tests", Version: 1, Origin: "node", Data: docs},
		"Fields": {Collection: "users", Fields: map[string]any{
			"name": "AK CLINIC", "role": "ADMIN", "walletBalance": 350.0, "tags": []any{"a", "b"},
		}},
	}
}

func BenchmarkSerialize(b *testing.B) {
	for name, factory := range testSerializers {
		s := factory()
		for vName, v := range benchmarkValues() {
			b.Run(fmt.Sprintf("%s/%s", name, vName), func(b *testing.B) {
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					if _, err := s.Serialize(v); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkDeserialize(b *testing.B) {
	for name, factory := range testSerializers {
		s := factory()
		for vName, v := range benchmarkValues() {
			data, err := s.Serialize(v)
			if err != nil {
				b.Fatal(err)
			}
			b.Run(fmt.Sprintf("%s/%s", name, vName), func(b *testing.B) {
				b.ReportAllocs()
				b.SetBytes(int64(len(data)))
				for i := 0; i < b.N; i++ {
					var out envelope
					if err := s.Deserialize(data, &out); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}
