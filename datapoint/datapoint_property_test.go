package datapoint

import (
	"bytes"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_BinaryRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(d)) == d for any tuple", prop.ForAll(
		func(name string, ts uint64, word uint32, data []byte) bool {
			d := FromTypeWord(name, word, ts, data)
			b, err := d.MarshalBinary()
			if err != nil {
				return false
			}
			back, n, err := DecodeBinary(b)
			return err == nil && n == len(b) && d.Equal(back)
		},
		gen.Identifier(),
		gen.UInt64(),
		gen.UInt32(),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestProperty_TextRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	nonLiteral := gen.OneConstOf(Byte, Float, Double, Short, Int, DG, None, Unknown)

	properties.Property("base64 types survive the text form", prop.ForAll(
		func(name string, ts uint64, dtype DataType, data []byte) bool {
			d := New(name, dtype, ts, data)
			text, err := d.FormatText()
			if err != nil {
				return false
			}
			back, err := ParseText(text)
			return err == nil && back.Name == name && back.Timestamp == ts &&
				back.Type == dtype && bytes.Equal(back.Data, d.Data)
		},
		gen.Identifier(),
		gen.UInt64(),
		nonLiteral,
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("literal types survive the text form", prop.ForAll(
		func(name string, text string) bool {
			d := New(name, String, 1, []byte(text))
			line, err := d.FormatText()
			if err != nil {
				return false
			}
			back, err := ParseText(line)
			return err == nil && string(back.Data) == text
		},
		gen.Identifier(),
		gen.AnyString().SuchThat(func(s string) bool { return !strings.ContainsAny(s, "\r\n") }),
	))

	properties.Property("literal payloads with line breaks never format", prop.ForAll(
		func(head, tail string, cr bool) bool {
			sep := "\n"
			if cr {
				sep = "\r"
			}
			_, err := New("s", String, 1, []byte(head+sep+tail)).FormatText()
			return err != nil
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
