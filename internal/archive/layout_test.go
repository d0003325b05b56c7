package archive

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanOffsets(t *testing.T) {
	files := []File{
		{Key: "a", Name: "a.txt", Size: 10},
		{Key: "b", Name: "dir/b.bin", Size: 0},
		{Key: "c", Name: "ç.txt", Size: 1000},
	}
	l, err := Plan(files)
	require.NoError(t, err)
	require.Len(t, l.Entries, 3)

	var local, central int64
	for i, e := range l.Entries {
		assert.EqualValues(t, len(files[i].Name), e.NameLen)
		assert.EqualValues(t, 30+e.NameLen, e.LocalHeaderSize)
		assert.EqualValues(t, 46+e.NameLen, e.CentralHeaderSize)
		local += e.LocalHeaderSize + e.Size
		central += e.CentralHeaderSize
	}

	assert.Zero(t, l.Entries[0].LocalHeaderOffset)
	assert.Equal(t, l.Entries[0].DataOffset()+10, l.Entries[1].LocalHeaderOffset)

	// The first central header follows the last file's data.
	last := l.Entries[2]
	assert.Equal(t, last.DataOffset()+last.Size, l.Entries[0].CentralHeaderOffset)
	for i := 1; i < len(l.Entries); i++ {
		prev := l.Entries[i-1]
		assert.Equal(t, prev.CentralHeaderOffset+prev.CentralHeaderSize, l.Entries[i].CentralHeaderOffset)
	}

	assert.Equal(t, local, l.Trailer.CentralDirOffset)
	assert.Equal(t, central, l.Trailer.CentralDirSize)
	assert.Equal(t, local+central, l.Trailer.Offset)
	assert.Equal(t, local+central+22, l.Size)
	assert.Equal(t, 3, l.Trailer.Entries)
}

func TestPlanEmpty(t *testing.T) {
	l, err := Plan(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 22, l.Size)
	assert.Zero(t, l.Trailer.CentralDirOffset)
}

func TestPlanLimits(t *testing.T) {
	_, err := Plan([]File{{Name: "", Size: 1}})
	assert.ErrorIs(t, err, ErrInvalidName)

	long := make([]byte, 1<<16)
	for i := range long {
		long[i] = 'a'
	}
	_, err = Plan([]File{{Name: string(long), Size: 1}})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = Plan([]File{{Name: "big", Size: 1 << 32}})
	assert.ErrorIs(t, err, ErrTooLarge)

	// Two 3 GiB files push the central directory past 4 GiB.
	_, err = Plan([]File{{Name: "a", Size: 3 << 30}, {Name: "b", Size: 3 << 30}})
	assert.ErrorIs(t, err, ErrTooLarge)

	many := make([]File, maxEntries+1)
	for i := range many {
		many[i] = File{Name: fmt.Sprintf("f%d", i)}
	}
	_, err = Plan(many)
	assert.ErrorIs(t, err, ErrTooManyEntries)

	_, err = Plan(many[:maxEntries])
	assert.NoError(t, err)
}

func TestHeaderFields(t *testing.T) {
	l, err := Plan([]File{{Name: "x", Size: 5}, {Name: "name.txt", Size: 7}})
	require.NoError(t, err)
	e := l.Entries[1]
	e.CRC32 = 0xdeadbeef
	mod := time.Date(2024, 3, 9, 14, 30, 20, 0, time.UTC)
	le := binary.LittleEndian

	lh := localHeader(e, mod)
	assert.Equal(t, uint32(0x04034b50), le.Uint32(lh[0:]))
	assert.Equal(t, uint32(0xdeadbeef), le.Uint32(lh[14:]))
	assert.Equal(t, uint32(7), le.Uint32(lh[18:]))
	assert.Equal(t, uint32(7), le.Uint32(lh[22:]))
	assert.Equal(t, uint16(8), le.Uint16(lh[26:]))
	assert.Equal(t, uint16(0), le.Uint16(lh[28:]))
	assert.Equal(t, "name.txt", string(lh[30:]))

	ch := centralHeader(e, mod)
	assert.Equal(t, uint32(0x02014b50), le.Uint32(ch[0:]))
	assert.Equal(t, uint32(0xdeadbeef), le.Uint32(ch[16:]))
	assert.Equal(t, uint32(7), le.Uint32(ch[20:]))
	assert.Equal(t, uint32(7), le.Uint32(ch[24:]))
	assert.Equal(t, uint16(8), le.Uint16(ch[28:]))
	assert.Equal(t, uint16(0), le.Uint16(ch[34:]))
	assert.Equal(t, uint32(e.LocalHeaderOffset), le.Uint32(ch[42:]))
	assert.Equal(t, "name.txt", string(ch[46:]))

	tr := trailer(l.Trailer)
	assert.Equal(t, uint32(0x06054b50), le.Uint32(tr[0:]))
	assert.Equal(t, uint16(2), le.Uint16(tr[8:]))
	assert.Equal(t, uint16(2), le.Uint16(tr[10:]))
	assert.Equal(t, uint32(l.Trailer.CentralDirSize), le.Uint32(tr[12:]))
	assert.Equal(t, uint32(l.Trailer.CentralDirOffset), le.Uint32(tr[16:]))
}

func TestDOSDateTime(t *testing.T) {
	date, clock := dosDateTime(time.Date(2024, 3, 9, 14, 30, 21, 0, time.UTC))
	assert.Equal(t, uint16((2024-1980)<<9|3<<5|9), date)
	assert.Equal(t, uint16(14<<11|30<<5|10), clock)

	date, clock = dosDateTime(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, uint16(1<<5|1), date)
	assert.Zero(t, clock)
}
