package internal

import (
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
)

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name: "Commit with set and update",
			command: Command{
				Type:      CommandTCommit,
				ID:        "01HZX3C9N2Q8",
				Timestamp: 1717171717000000000,
				Ops: []db.Op{
					{Type: model.OpSet, Collection: "orders", ID: "O1", Data: model.Document{"id": "O1", "total": 350.0}},
					{Type: model.OpUpdate, Collection: "users", ID: "U1", Data: model.Document{"walletBalance": 50.0}, BaseRevision: 7},
				},
			},
		},
		{
			name: "Commit with delete only",
			command: Command{
				Type:      CommandTCommit,
				ID:        "tx",
				Timestamp: 1,
				Ops:       []db.Op{{Type: model.OpDelete, Collection: "orders", ID: "O1", BaseRevision: 3}},
			},
		},
		{
			name: "Commit with empty id",
			command: Command{
				Type: CommandTCommit,
				Ops:  []db.Op{{Type: model.OpDelete, Collection: "tests", ID: "T1"}},
			},
		},
		{
			name: "Commit with unicode content",
			command: Command{
				Type: CommandTCommit,
				ID:   "你好世界",
				Ops:  []db.Op{{Type: model.OpSet, Collection: "tests", ID: "T1", Data: model.Document{"id": "T1", "name": "血液検査"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.command.Serialize()
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}

			var newCommand Command
			if err := newCommand.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}

			if newCommand.Type != tt.command.Type {
				t.Errorf("Type mismatch: got %v, want %v", newCommand.Type, tt.command.Type)
			}
			if newCommand.ID != tt.command.ID {
				t.Errorf("ID mismatch: got %q, want %q", newCommand.ID, tt.command.ID)
			}
			if newCommand.Timestamp != tt.command.Timestamp {
				t.Errorf("Timestamp mismatch: got %v, want %v", newCommand.Timestamp, tt.command.Timestamp)
			}
			if !reflect.DeepEqual(newCommand.Ops, tt.command.Ops) {
				t.Errorf("Ops mismatch:\ngot  %+v\nwant %+v", newCommand.Ops, tt.command.Ops)
			}
		})
	}
}

// TestDeserializeErrors tests error cases in Deserialize
func TestDeserializeErrors(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expectedErr string
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectedErr: "data too short for command",
		},
		{
			name:        "Data too short (less than header)",
			data:        []byte{1, 2, 3, 4, 5},
			expectedErr: "data too short for command",
		},
		{
			name: "Invalid id length",
			data: func() []byte {
				data := make([]byte, headerSize)
				data[0] = byte(CommandTCommit)
				binary.BigEndian.PutUint32(data[9:13], 1000)
				return data
			}(),
			expectedErr: "data too short for id of length 1000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd Command
			err := cmd.Deserialize(tt.data)

			if err == nil {
				t.Fatalf("Expected error but got nil")
			}
			if err.Error() != tt.expectedErr {
				t.Errorf("Expected error %q, got %q", tt.expectedErr, err.Error())
			}
		})
	}

	t.Run("Invalid payload", func(t *testing.T) {
		data := make([]byte, headerSize, headerSize+3)
		data = append(data, []byte("{{{")...)
		var cmd Command
		if err := cmd.Deserialize(data); err == nil {
			t.Fatalf("Expected error for invalid JSON payload")
		}
	})
}

// TestBinaryFormat tests the exact layout of the header
func TestBinaryFormat(t *testing.T) {
	cmd := Command{Type: CommandTCommit, ID: "abc", Timestamp: 12345}

	data, err := cmd.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	if data[0] != byte(CommandTCommit) {
		t.Errorf("expected type byte %d, got %d", CommandTCommit, data[0])
	}
	if ts := binary.BigEndian.Uint64(data[1:9]); ts != 12345 {
		t.Errorf("expected timestamp 12345, got %d", ts)
	}
	if l := binary.BigEndian.Uint32(data[9:13]); l != 3 {
		t.Errorf("expected id length 3, got %d", l)
	}
	if string(data[13:16]) != "abc" {
		t.Errorf("expected id abc, got %q", data[13:16])
	}
	if string(data[16:]) != "null" {
		t.Errorf("expected null payload for nil ops, got %q", data[16:])
	}
}

func TestCommitConversion(t *testing.T) {
	c := db.Commit{ID: "x", Timestamp: 42, Ops: []db.Op{{Type: model.OpDelete, Collection: "a", ID: "b"}}}
	cmd := NewCommitCommand(c)
	if !reflect.DeepEqual(cmd.ToCommit(), c) {
		t.Errorf("conversion lost data: %+v", cmd.ToCommit())
	}
	if f, err := cmd.Type.ToDBFeature(); err != nil || f != db.FeatureCommit {
		t.Errorf("unexpected feature mapping: %v, %v", f, err)
	}
	if _, err := CommandType(99).ToDBFeature(); err == nil {
		t.Errorf("expected error for unknown command type")
	}
}
