// Package checkpoint implements the versioned binary envelope used to
// serialize a ModelCheckpoint and the warm-start lookup chain that resolves
// a working model for an item: per-item checkpoint, then category
// warm-start, then hardcoded defaults.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
	"github.com/tutu-network/forecast-core/internal/domain"
)

// Encode serializes ckpt into the versioned binary envelope:
//
//	schema_version  u32
//	model_id        16 bytes (uuid)
//	item_or_category string (u32 length-prefixed)
//	created_at      i64 (unix nanoseconds)
//	feature_width   u32
//	F, Q            [16]f64 each
//	B               feature_width*4 f64
//	R               f64
//	last_state      [4]f64
//	P               [16]f64
//	feature_names   u32 count, then length-prefixed strings
//	stats           fixed fields (see writeStats)
//	version         u64
//	crc32           u32, computed over every byte written above
//
// Unknown trailing bytes are ignored on read; a short or truncated buffer
// falls back to the next warm-start source instead of erroring the caller.
func Encode(ckpt domain.ModelCheckpoint) ([]byte, error) {
	var buf bytes.Buffer

	writeU32(&buf, ckpt.SchemaVersion)
	id, err := uuid.Parse(ckpt.ModelID)
	if err != nil {
		id = uuid.New()
	}
	idBytes, _ := id.MarshalBinary()
	buf.Write(idBytes)

	writeString(&buf, ckpt.ItemOrCategory)
	writeI64(&buf, ckpt.TrainedAt.UnixNano())

	writeU32(&buf, uint32(ckpt.Parameters.FeatureWidth))
	writeFloats(&buf, ckpt.Parameters.F[:])
	writeFloats(&buf, ckpt.Parameters.Q[:])
	writeFloats(&buf, ckpt.Parameters.B)
	writeF64(&buf, ckpt.Parameters.R)

	state := ckpt.LastState.Vector()
	writeFloats(&buf, state[:])
	writeFloats(&buf, ckpt.P[:])

	writeU32(&buf, uint32(len(ckpt.FeatureNames)))
	for _, name := range ckpt.FeatureNames {
		writeString(&buf, name)
	}

	writeStats(&buf, ckpt.Stats)
	writeU64(&buf, ckpt.Version)

	sum := crc32.ChecksumIEEE(buf.Bytes())
	writeU32(&buf, sum)

	return buf.Bytes(), nil
}

// Decode parses the envelope produced by Encode. A CRC mismatch or any
// malformed field returns a CheckpointCorrupt ForecastError; callers treat
// that as "fall back to the next warm-start source."
func Decode(data []byte) (domain.ModelCheckpoint, error) {
	var ckpt domain.ModelCheckpoint
	r := bytes.NewReader(data)

	var err error
	if ckpt.SchemaVersion, err = readU32(r); err != nil {
		return ckpt, corrupt(err)
	}
	var idBytes [16]byte
	if _, err = readFull(r, idBytes[:]); err != nil {
		return ckpt, corrupt(err)
	}
	var id uuid.UUID
	if err = id.UnmarshalBinary(idBytes[:]); err != nil {
		return ckpt, corrupt(err)
	}
	ckpt.ModelID = id.String()

	if ckpt.ItemOrCategory, err = readString(r); err != nil {
		return ckpt, corrupt(err)
	}
	var createdAtNs int64
	if createdAtNs, err = readI64(r); err != nil {
		return ckpt, corrupt(err)
	}
	ckpt.TrainedAt = time.Unix(0, createdAtNs).UTC()

	var featureWidth uint32
	if featureWidth, err = readU32(r); err != nil {
		return ckpt, corrupt(err)
	}
	ckpt.Parameters.FeatureWidth = int(featureWidth)

	if ckpt.Parameters.F[:], err = readFloatsInto(r, ckpt.Parameters.F[:]); err != nil {
		return ckpt, corrupt(err)
	}
	if ckpt.Parameters.Q[:], err = readFloatsInto(r, ckpt.Parameters.Q[:]); err != nil {
		return ckpt, corrupt(err)
	}
	ckpt.Parameters.B = make([]float64, featureWidth*4)
	if ckpt.Parameters.B, err = readFloatsInto(r, ckpt.Parameters.B); err != nil {
		return ckpt, corrupt(err)
	}
	if ckpt.Parameters.R, err = readF64(r); err != nil {
		return ckpt, corrupt(err)
	}

	var state [4]float64
	if state[:], err = readFloatsInto(r, state[:]); err != nil {
		return ckpt, corrupt(err)
	}
	ckpt.LastState = domain.StateFromVector(state)

	if ckpt.P[:], err = readFloatsInto(r, ckpt.P[:]); err != nil {
		return ckpt, corrupt(err)
	}

	var nameCount uint32
	if nameCount, err = readU32(r); err != nil {
		return ckpt, corrupt(err)
	}
	ckpt.FeatureNames = make([]string, nameCount)
	for i := range ckpt.FeatureNames {
		if ckpt.FeatureNames[i], err = readString(r); err != nil {
			return ckpt, corrupt(err)
		}
	}

	if ckpt.Stats, err = readStats(r); err != nil {
		return ckpt, corrupt(err)
	}
	if ckpt.Version, err = readU64(r); err != nil {
		return ckpt, corrupt(err)
	}

	consumed := len(data) - r.Len()
	if r.Len() < 4 {
		return ckpt, corrupt(fmt.Errorf("checkpoint: truncated before CRC"))
	}
	var storedCRC uint32
	if storedCRC, err = readU32(r); err != nil {
		return ckpt, corrupt(err)
	}
	computed := crc32.ChecksumIEEE(data[:consumed])
	if storedCRC != computed {
		return ckpt, corrupt(fmt.Errorf("checkpoint: crc mismatch, want %x got %x", computed, storedCRC))
	}
	ckpt.CRC32 = storedCRC

	// Unknown tail bytes are intentionally ignored (forward-compatible
	// readers never see them if r has bytes remaining beyond this point).
	return ckpt, nil
}

func corrupt(cause error) error {
	return domain.NewForecastError(domain.KindCheckpointCorrupt, "", "checkpoint envelope decode failed", cause)
}

func writeStats(buf *bytes.Buffer, s domain.TrainingStats) {
	writeF64(buf, s.MAE)
	writeF64(buf, s.RMSE)
	writeF64(buf, s.EWMAError)
	writeI64(buf, s.ObservationsSeen)
	writeI64(buf, s.LastUpdateAt.UnixNano())
	writeU32(buf, uint32(s.ConsecutiveRetrainFailures))
	writeF64(buf, s.ForecastAccuracy)
}

func readStats(r *bytes.Reader) (domain.TrainingStats, error) {
	var s domain.TrainingStats
	var err error
	if s.MAE, err = readF64(r); err != nil {
		return s, err
	}
	if s.RMSE, err = readF64(r); err != nil {
		return s, err
	}
	if s.EWMAError, err = readF64(r); err != nil {
		return s, err
	}
	if s.ObservationsSeen, err = readI64(r); err != nil {
		return s, err
	}
	var lastUpdateNs int64
	if lastUpdateNs, err = readI64(r); err != nil {
		return s, err
	}
	s.LastUpdateAt = time.Unix(0, lastUpdateNs).UTC()
	var failures uint32
	if failures, err = readU32(r); err != nil {
		return s, err
	}
	s.ConsecutiveRetrainFailures = int(failures)
	if s.ForecastAccuracy, err = readF64(r); err != nil {
		return s, err
	}
	return s, nil
}

// ─── primitive codec helpers ────────────────────────────────────────────────

func writeU32(buf *bytes.Buffer, v uint32) { _ = binary.Write(buf, binary.LittleEndian, v) }
func writeU64(buf *bytes.Buffer, v uint64) { _ = binary.Write(buf, binary.LittleEndian, v) }
func writeI64(buf *bytes.Buffer, v int64)  { _ = binary.Write(buf, binary.LittleEndian, v) }
func writeF64(buf *bytes.Buffer, v float64) { _ = binary.Write(buf, binary.LittleEndian, v) }

func writeFloats(buf *bytes.Buffer, vs []float64) {
	for _, v := range vs {
		writeF64(buf, v)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err != nil {
		return n, err
	}
	if n != len(dst) {
		return n, fmt.Errorf("checkpoint: short read, want %d got %d", len(dst), n)
	}
	return n, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readI64(r *bytes.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readF64(r *bytes.Reader) (float64, error) {
	var v float64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readFloatsInto(r *bytes.Reader, dst []float64) ([]float64, error) {
	for i := range dst {
		v, err := readF64(r)
		if err != nil {
			return dst, err
		}
		dst[i] = v
	}
	return dst, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("checkpoint: unreasonable string length %d", n)
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
