package classifier

import (
	"LinkGuard/internal/model"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/xeipuuv/gojsonschema"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// readArtifact reads a model file, transparently inflating zstd-compressed content.
func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	return inflate(data)
}

func inflate(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress model artifact: %w", err)
	}
	return out, nil
}

// validate checks a JSON document against a compiled schema and folds all
// violations into one ErrSchema error.
func validate(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrSchema, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", model.ErrSchema, strings.Join(msgs, "; "))
}

func mustSchema(doc string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return s
}

// Load reads the artifact of the given kind.
func Load(kind model.ClassifierKind, path string) (model.Classifier, error) {
	switch kind {
	case model.Screener:
		return LoadScreener(path)
	case model.Confirmer:
		return LoadConfirmer(path)
	default:
		return nil, fmt.Errorf("unknown classifier kind %d", kind)
	}
}

func checkTail(c model.Classifier, tail []uint32) error {
	if len(tail) != c.TailLength() {
		return fmt.Errorf("%s expects %d counts, got %d: %w", c.Kind(), c.TailLength(), len(tail), model.ErrTailLength)
	}
	return nil
}
