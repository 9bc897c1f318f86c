package cache

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// WriteFileAtomic writes data to path so that readers either see the previous contents or the complete new ones,
// never a partially written file. Parent directories are created as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, path)
	}
	return nil
}

// WriteFields atomically writes the fields as a JSON object to path.
//
// Values must be of types supported by structpb.NewValue: nil, bool, numbers, string, []any and map[string]any.
func WriteFields(path string, fields map[string]any) error {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return errors.Wrapf(err, "invalid fields for %q", path)
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	return WriteFileAtomic(path, data, 0644)
}

// ReadFields reads a JSON object written by WriteFields.
// Numbers are returned as float64.
func ReadFields(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	var s structpb.Struct
	if err = protojson.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", path)
	}
	return s.AsMap(), nil
}

// fileExists reports whether path exists, for marker files.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
