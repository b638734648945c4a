package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocationString(t *testing.T) {
	assertT := assert.New(t)

	assertT.Equal("0:0x0", Location{}.String())
	assertT.Equal("3:0x200", Location{Block: 3, Offset: 512}.String())
}

func TestCompressionKindString(t *testing.T) {
	assertT := assert.New(t)

	assertT.Equal("none", CompressionNone.String())
	assertT.Equal("rtime", CompressionRTime.String())
	assertT.Equal("unknown(7)", CompressionKind(7).String())
}
