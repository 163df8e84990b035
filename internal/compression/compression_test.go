package compression

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/Manguet/ErrorReportWordpressSDK/config"
)

func jsonLike(n int) []byte {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(`{"file":"/var/www/wp-content/plugins/shop/cart.php","line":120,"function":"render"},`)
	}
	return []byte(b.String())
}

func TestCompressRoundTrip(t *testing.T) {
	data := jsonLike(8 * 1024)
	for _, algo := range []string{EncodingGzip, EncodingZstd, EncodingBrotli} {
		t.Run(algo, func(t *testing.T) {
			c := New(config.CompressionConfig{Enabled: true, Algorithm: algo, Threshold: 1024, Level: 6, MinRatio: 0.2})
			res := c.Compress(data)
			if !res.Compressed {
				t.Fatal("expected payload to be compressed")
			}
			if res.Encoding != algo {
				t.Errorf("expected encoding %s, got %s", algo, res.Encoding)
			}
			if res.Size >= res.OriginalSize || res.Ratio <= 0 {
				t.Errorf("expected a reduction, got size %d of %d ratio %v", res.Size, res.OriginalSize, res.Ratio)
			}
			out, err := c.Decompress(res.Data, res.Encoding)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(out, data) {
				t.Error("expected round trip to reproduce input")
			}
		})
	}
}

func TestCompressBelowThreshold(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: true, Threshold: 1024})
	data := jsonLike(500)[:500]
	res := c.Compress(data)
	if res.Compressed || res.Encoding != EncodingIdentity || !bytes.Equal(res.Data, data) {
		t.Errorf("expected identity result below threshold, got %+v", res)
	}
	if c.Stats().Skipped != 1 {
		t.Errorf("expected skipped counter 1, got %d", c.Stats().Skipped)
	}
}

func TestCompressDisabled(t *testing.T) {
	c := New(config.CompressionConfig{Enabled: false})
	if res := c.Compress(jsonLike(4096)); res.Compressed {
		t.Error("expected no compression when disabled")
	}
}

func TestCompressRandomDataSkipped(t *testing.T) {
	data := make([]byte, 16*1024)
	rand.Read(data)
	c := New(config.CompressionConfig{Enabled: true, Threshold: 1024, MinRatio: 0.2})
	res := c.Compress(data)
	if res.Compressed {
		t.Error("expected high-entropy data to be sent as is")
	}
}

func TestEstimateRatio(t *testing.T) {
	if r := EstimateRatio(bytes.Repeat([]byte{'a'}, 1000)); r != 1 {
		t.Errorf("expected ratio 1 for a single symbol, got %v", r)
	}
	if r := EstimateRatio(nil); r != 0 {
		t.Errorf("expected 0 for empty input, got %v", r)
	}
	if r := EstimateRatio(jsonLike(4096)); r < 0.2 {
		t.Errorf("expected JSON to look compressible, got %v", r)
	}
}

func TestDecompressIdentityAndUnknown(t *testing.T) {
	c := New(config.CompressionConfig{})
	out, err := c.Decompress([]byte("x"), EncodingIdentity)
	if err != nil || string(out) != "x" {
		t.Errorf("expected identity passthrough, got %q %v", out, err)
	}
	if _, err := c.Decompress([]byte("x"), "lz4"); err == nil {
		t.Error("expected error for unknown encoding")
	}
	if _, err := c.Decompress([]byte("not gzip"), EncodingGzip); err == nil {
		t.Error("expected error for corrupt gzip data")
	}
}
