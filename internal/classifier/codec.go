package classifier

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// Artifact layout, little-endian:
//
//	magic "RCMF" | uint16 schema | uint16 features | uint32 trees
//	per tree: uint32 nodes, then per node: int32 feature, float64 threshold,
//	          int32 left, int32 right, float64 value
//	uint32 CRC-32 (IEEE) of everything before it
const (
	SchemaVersion uint16 = 1

	headerSize = 4 + 2 + 2 + 4
	nodeSize   = 4 + 8 + 4 + 4 + 8
	maxTrees   = 10000
	maxNodes   = 1 << 20
	maxFeature = 1024
)

var magic = [4]byte{'R', 'C', 'M', 'F'}

var (
	// ErrCorruptArtifact is returned for any artifact that fails structural checks
	ErrCorruptArtifact = errors.New("corrupt model artifact")
	// ErrUnsupportedSchema is returned for artifacts written by an unknown schema
	ErrUnsupportedSchema = errors.New("unsupported model artifact schema")
)

type wireNode struct {
	Feature   int32
	Threshold float64
	Left      int32
	Right     int32
	Value     float64
}

// Encode writes f to w in the artifact format
func Encode(w io.Writer, f *Forest) error {
	if f == nil || len(f.Trees) == 0 {
		return fmt.Errorf("cannot encode an empty forest")
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	header := struct {
		Schema   uint16
		Features uint16
		Trees    uint32
	}{SchemaVersion, uint16(f.NumFeatures), uint32(len(f.Trees))}
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return err
	}

	for _, tree := range f.Trees {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(tree.Nodes))); err != nil {
			return err
		}
		for _, n := range tree.Nodes {
			wn := wireNode{
				Feature:   int32(n.Feature),
				Threshold: n.Threshold,
				Left:      int32(n.Left),
				Right:     int32(n.Right),
				Value:     n.Value,
			}
			if err := binary.Write(&buf, binary.LittleEndian, wn); err != nil {
				return err
			}
		}
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	if err := binary.Write(&buf, binary.LittleEndian, sum); err != nil {
		return err
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// Decode reads and validates a forest. Structural problems are reported as
// ErrCorruptArtifact, unknown schema versions as ErrUnsupportedSchema.
func Decode(r io.Reader) (*Forest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < headerSize+4 {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorruptArtifact, len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptArtifact, data[:4])
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptArtifact)
	}

	schema := binary.LittleEndian.Uint16(body[4:6])
	if schema != SchemaVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedSchema, schema)
	}
	numFeatures := int(binary.LittleEndian.Uint16(body[6:8]))
	numTrees := int(binary.LittleEndian.Uint32(body[8:12]))
	if numFeatures == 0 || numFeatures > maxFeature {
		return nil, fmt.Errorf("%w: feature count %d", ErrCorruptArtifact, numFeatures)
	}
	if numTrees == 0 || numTrees > maxTrees {
		return nil, fmt.Errorf("%w: tree count %d", ErrCorruptArtifact, numTrees)
	}

	rd := bytes.NewReader(body[headerSize:])
	forest := &Forest{NumFeatures: numFeatures, Trees: make([]Tree, numTrees)}
	for t := 0; t < numTrees; t++ {
		var count uint32
		if err := binary.Read(rd, binary.LittleEndian, &count); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrCorruptArtifact, t, err)
		}
		if count == 0 || count > maxNodes || int(count)*nodeSize > rd.Len() {
			return nil, fmt.Errorf("%w: tree %d has invalid node count %d", ErrCorruptArtifact, t, count)
		}

		wire := make([]wireNode, count)
		if err := binary.Read(rd, binary.LittleEndian, wire); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrCorruptArtifact, t, err)
		}
		nodes := make([]Node, count)
		for i, wn := range wire {
			n := Node{
				Feature:   int(wn.Feature),
				Threshold: wn.Threshold,
				Left:      int(wn.Left),
				Right:     int(wn.Right),
				Value:     wn.Value,
			}
			if err := validateNode(n, i, len(nodes), numFeatures); err != nil {
				return nil, fmt.Errorf("%w: tree %d node %d: %v", ErrCorruptArtifact, t, i, err)
			}
			nodes[i] = n
		}
		forest.Trees[t] = Tree{Nodes: nodes}
	}

	if rd.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptArtifact, rd.Len())
	}
	return forest, nil
}

// validateNode guarantees that prediction terminates and never indexes out of
// range: children point strictly forward.
func validateNode(n Node, index, count, numFeatures int) error {
	if n.IsLeaf() {
		if math.IsNaN(n.Value) || n.Value < 0 || n.Value > 1 {
			return fmt.Errorf("leaf value %v out of range", n.Value)
		}
		return nil
	}
	if n.Feature < 0 || n.Feature >= numFeatures {
		return fmt.Errorf("feature index %d out of range", n.Feature)
	}
	if math.IsNaN(n.Threshold) {
		return fmt.Errorf("threshold is NaN")
	}
	if n.Left <= index || n.Left >= count || n.Right <= index || n.Right >= count {
		return fmt.Errorf("child indices %d/%d invalid", n.Left, n.Right)
	}
	return nil
}
