// Package compression shrinks outgoing payloads when it is worth it.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
)

// Encodings produced by Compress.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
	EncodingBrotli   = "br"
)

// entropySample bounds how many bytes the estimate looks at.
const entropySample = 8 * 1024

// Result describes one Compress call.
type Result struct {
	Compressed   bool
	OriginalSize int
	Size         int
	// Ratio is the fraction saved: 1 - Size/OriginalSize.
	Ratio    float64
	Encoding string
	Data     []byte
}

// Snapshot is the JSON-serializable compressor stats.
type Snapshot struct {
	Compressed int64 `json:"compressed"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
	BytesIn    int64 `json:"bytes_in"`
	BytesOut   int64 `json:"bytes_out"`
}

// Compressor compresses payloads above a size threshold.
type Compressor struct {
	enabled   bool
	algorithm string
	level     int
	threshold int
	minRatio  float64

	zstdEncoders sync.Pool
	zstdDecoder  *zstd.Decoder

	compressed atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
}

// New creates a Compressor from config.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		enabled:   cfg.Enabled,
		algorithm: cfg.Algorithm,
		level:     cfg.Level,
		threshold: cfg.Threshold,
		minRatio:  cfg.MinRatio,
	}
	if c.algorithm == "" {
		c.algorithm = EncodingGzip
	}
	if c.threshold <= 0 {
		c.threshold = 1024
	}
	if c.level <= 0 {
		c.level = 6
	}

	zstdLevel := zstd.EncoderLevelFromZstd(c.level)
	c.zstdEncoders = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}
	c.zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	return c
}

// EstimateRatio predicts the fraction a lossless coder could save from
// the Shannon entropy of a leading sample of data.
func EstimateRatio(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	sample := data
	if len(sample) > entropySample {
		sample = sample[:entropySample]
	}
	var freq [256]int
	for _, b := range sample {
		freq[b]++
	}
	n := float64(len(sample))
	var h float64
	for _, f := range freq {
		if f == 0 {
			continue
		}
		p := float64(f) / n
		h -= p * math.Log2(p)
	}
	return 1 - h/8
}

// Compress returns data compressed with the configured algorithm, or the
// original bytes with Compressed=false when compression is disabled, the
// payload is small, the estimate predicts too little gain, the encoder
// fails, or the output is not smaller.
func (c *Compressor) Compress(data []byte) Result {
	identity := Result{
		OriginalSize: len(data),
		Size:         len(data),
		Encoding:     EncodingIdentity,
		Data:         data,
	}
	if !c.enabled || len(data) <= c.threshold || EstimateRatio(data) < c.minRatio {
		c.skipped.Add(1)
		return identity
	}

	out, err := c.encode(data)
	if err != nil {
		c.failed.Add(1)
		return identity
	}
	if len(out) >= len(data) {
		c.skipped.Add(1)
		return identity
	}

	c.compressed.Add(1)
	c.bytesIn.Add(int64(len(data)))
	c.bytesOut.Add(int64(len(out)))
	return Result{
		Compressed:   true,
		OriginalSize: len(data),
		Size:         len(out),
		Ratio:        1 - float64(len(out))/float64(len(data)),
		Encoding:     c.algorithm,
		Data:         out,
	}
}

func (c *Compressor) encode(data []byte) ([]byte, error) {
	switch c.algorithm {
	case EncodingZstd:
		enc, ok := c.zstdEncoders.Get().(*zstd.Encoder)
		if !ok || enc == nil {
			return nil, fmt.Errorf("zstd encoder unavailable")
		}
		defer c.zstdEncoders.Put(enc)
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case EncodingBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, min(c.level, brotli.BestCompression))
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case EncodingGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, min(c.level, gzip.BestCompression))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", c.algorithm)
	}
}

// Decompress reverses Compress for any encoding it produces.
func (c *Compressor) Decompress(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingIdentity:
		return data, nil
	case EncodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case EncodingZstd:
		if c.zstdDecoder == nil {
			return nil, fmt.Errorf("zstd decoder unavailable")
		}
		return c.zstdDecoder.DecodeAll(data, nil)
	case EncodingBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// Stats returns compressor counters.
func (c *Compressor) Stats() Snapshot {
	return Snapshot{
		Compressed: c.compressed.Load(),
		Skipped:    c.skipped.Load(),
		Failed:     c.failed.Load(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
	}
}
