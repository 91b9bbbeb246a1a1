package codecs

import (
	"bytes"
	"math/rand"
	"testing"

	gc "gopkg.in/check.v1"
)

type CodecsSuite struct{}

func (s *CodecsSuite) TestRoundTripOfEachCodec(c *gc.C) {
	var data = bytes.Repeat([]byte("tile tile tile "), 200)

	for _, codec := range []Codec{NONE, DEFLATE, GZIP, SNAPPY, ZSTANDARD} {
		var enc, err = Compress(codec, data)
		c.Assert(err, gc.IsNil)

		if codec == NONE {
			c.Check(enc, gc.DeepEquals, data)
		} else {
			c.Check(len(enc) < len(data), gc.Equals, true, gc.Commentf("codec %s", codec))
		}

		dec, err := Decompress(codec, enc)
		c.Assert(err, gc.IsNil)
		c.Check(dec, gc.DeepEquals, data)
	}
}

func (s *CodecsSuite) TestIncompressibleDataGrows(c *gc.C) {
	var data = make([]byte, 1024)
	rand.New(rand.NewSource(42)).Read(data)

	var enc, err = Compress(DEFLATE, data)
	c.Assert(err, gc.IsNil)
	c.Check(len(enc) >= len(data), gc.Equals, true)
}

func (s *CodecsSuite) TestZerosCompressWell(c *gc.C) {
	var enc, err = Compress(DEFLATE, make([]byte, 1024))
	c.Assert(err, gc.IsNil)
	c.Check(len(enc) < 64, gc.Equals, true)
}

func (s *CodecsSuite) TestCorruptInputErrors(c *gc.C) {
	var _, err = Decompress(DEFLATE, []byte("not zlib"))
	c.Check(err, gc.NotNil)
}

func (s *CodecsSuite) TestParseCodec(c *gc.C) {
	var codec, err = ParseCodec("Snappy")
	c.Check(err, gc.IsNil)
	c.Check(codec, gc.Equals, SNAPPY)

	_, err = ParseCodec("lzma")
	c.Check(err, gc.ErrorMatches, `unknown codec "lzma"`)

	c.Check(DEFLATE.String(), gc.Equals, "deflate")
	c.Check(Codec(42).String(), gc.Equals, "Codec(42)")
}

var _ = gc.Suite(&CodecsSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
