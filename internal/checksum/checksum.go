// Package checksum provides the cross-cloud checksums SSDS attaches to every
// object it writes: hex MD5 and S3 composite ETags for S3 semantics, and
// base64 CRC32C (the form stored in GCS object metadata) for GCS semantics.
//
// The unordered variants accept parts in arbitrary arrival order from a
// concurrent part fetcher and still produce the digest of the parts folded in
// ascending part-number order.
package checksum

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"sort"
)

// castagnoli is the CRC32C polynomial table used by GCS.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MD5Hex returns the hex MD5 digest of data.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// CRC32C is a streaming CRC32C (Castagnoli) accumulator.
type CRC32C struct {
	sum uint32
}

// NewCRC32C returns an accumulator seeded with data, which may be nil.
func NewCRC32C(data []byte) *CRC32C {
	c := &CRC32C{}
	c.Update(data)
	return c
}

// Update folds data into the running checksum.
func (c *CRC32C) Update(data []byte) {
	c.sum = crc32.Update(c.sum, castagnoli, data)
}

// Sum returns the current checksum value.
func (c *CRC32C) Sum() uint32 {
	return c.sum
}

// HexDigest returns the 4-byte digest in hex.
func (c *CRC32C) HexDigest() string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], c.sum)
	return hex.EncodeToString(buf[:])
}

// GCSBase64 returns the digest in the form GCS stores in object metadata:
// the 4-byte network-order digest, base64 encoded.
func (c *CRC32C) GCSBase64() string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], c.sum)
	return base64.StdEncoding.EncodeToString(buf[:])
}

// GCSBase64CRC32C is a convenience for the base64 CRC32C of a whole buffer.
func GCSBase64CRC32C(data []byte) string {
	return NewCRC32C(data).GCSBase64()
}

// GCSBase64Uint32 encodes a raw CRC32C value the way GCS object metadata
// carries it.
func GCSBase64Uint32(sum uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], sum)
	return base64.StdEncoding.EncodeToString(buf[:])
}

// CompositeETag computes the S3 multipart ETag from per-part hex MD5 digests:
// the hex MD5 of the concatenated binary part digests, suffixed with the part
// count.
func CompositeETag(partMD5Hex []string) (string, error) {
	binMD5 := make([]byte, 0, md5.Size*len(partMD5Hex))
	for _, etag := range partMD5Hex {
		b, err := hex.DecodeString(etag)
		if err != nil {
			return "", fmt.Errorf("decoding part md5 %q: %w", etag, err)
		}
		binMD5 = append(binMD5, b...)
	}
	sum := md5.Sum(binMD5)
	return fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:]), len(partMD5Hex)), nil
}

// Unordered accumulates checksum state from parts arriving in any order.
// HexDigest finalizes and returns the digest as it would be for the parts
// processed in ascending part-number order.
type Unordered interface {
	Update(partNumber int64, data []byte)
	HexDigest() string
}

// S3EtagUnordered computes the S3 composite ETag from parts supplied in any
// order. Only the per-part MD5s are retained, never the part data.
type S3EtagUnordered struct {
	parts []numberedMD5
}

type numberedMD5 struct {
	number int64
	md5hex string
}

// NewS3EtagUnordered returns an empty accumulator.
func NewS3EtagUnordered() *S3EtagUnordered {
	return &S3EtagUnordered{}
}

// Update records the MD5 of one part.
func (u *S3EtagUnordered) Update(partNumber int64, data []byte) {
	u.parts = append(u.parts, numberedMD5{partNumber, MD5Hex(data)})
}

// HexDigest sorts the recorded parts by number and returns the composite ETag.
func (u *S3EtagUnordered) HexDigest() string {
	sort.Slice(u.parts, func(i, j int) bool { return u.parts[i].number < u.parts[j].number })
	etags := make([]string, len(u.parts))
	for i, p := range u.parts {
		etags[i] = p.md5hex
	}
	digest, err := CompositeETag(etags)
	if err != nil {
		// Digests recorded by Update are always valid hex.
		panic(err)
	}
	return digest
}

// GSCrc32cUnordered computes the base64 CRC32C of parts supplied in any order.
// CRC32C folding with arbitrary boundaries is not commutative, so parts are
// buffered until the next expected part number arrives and drained into the
// rolling checksum in order. Memory is bounded by the span of out-of-order
// arrivals, not the object size.
type GSCrc32cUnordered struct {
	next    int64
	pending map[int64][]byte
	crc     *CRC32C
}

// NewGSCrc32cUnordered returns an empty accumulator expecting part 0 first.
func NewGSCrc32cUnordered() *GSCrc32cUnordered {
	return &GSCrc32cUnordered{
		pending: make(map[int64][]byte),
		crc:     NewCRC32C(nil),
	}
}

// Update buffers the part and drains any contiguous run starting at the next
// expected part number into the rolling checksum.
func (u *GSCrc32cUnordered) Update(partNumber int64, data []byte) {
	u.pending[partNumber] = data
	for {
		data, ok := u.pending[u.next]
		if !ok {
			break
		}
		u.crc.Update(data)
		delete(u.pending, u.next)
		u.next++
	}
}

// HexDigest flushes any remaining buffered parts in ascending order and
// returns the base64 CRC32C.
func (u *GSCrc32cUnordered) HexDigest() string {
	remaining := make([]int64, 0, len(u.pending))
	for number := range u.pending {
		remaining = append(remaining, number)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
	for _, number := range remaining {
		u.crc.Update(u.pending[number])
		delete(u.pending, number)
	}
	return u.crc.GCSBase64()
}

// Ensure the unordered variants satisfy Unordered at compile time.
var (
	_ Unordered = (*S3EtagUnordered)(nil)
	_ Unordered = (*GSCrc32cUnordered)(nil)
)
