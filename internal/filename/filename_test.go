package filename

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const apiKey = "5d1ec5bd39a74caa1267142706a7fb21"

func TestEncodeFormat(t *testing.T) {
	id := Identity{
		Timestamp:   time.UnixMilli(1504255147933).UTC(),
		OriginKey:   apiKey,
		ID:          uuid.MustParse("30b7e350-dcd1-4032-969e-98d30be62bbc"),
		LaunchCrash: true,
	}

	name, err := Encode(id)
	require.NoError(t, err)
	require.Equal(t, "1504255147933_"+apiKey+"_30b7e350-dcd1-4032-969e-98d30be62bbc_startupcrash.json", name)

	id.LaunchCrash = false
	name, err = Encode(id)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(name, "_standard.json"))
}

func TestEncodeZeroPads(t *testing.T) {
	id := Identity{Timestamp: time.UnixMilli(42).UTC(), OriginKey: "k", ID: uuid.New()}

	name, err := Encode(id)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(name, "0000000000042_k_"), name)
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want error
	}{
		{
			name: "empty origin key",
			id:   Identity{Timestamp: time.UnixMilli(1).UTC(), ID: uuid.New()},
			want: ErrInvalidOriginKey,
		},
		{
			name: "underscore in origin key",
			id:   Identity{Timestamp: time.UnixMilli(1).UTC(), OriginKey: "a_b", ID: uuid.New()},
			want: ErrInvalidOriginKey,
		},
		{
			name: "slash in origin key",
			id:   Identity{Timestamp: time.UnixMilli(1).UTC(), OriginKey: "../x", ID: uuid.New()},
			want: ErrInvalidOriginKey,
		},
		{
			name: "origin key too long",
			id:   Identity{Timestamp: time.UnixMilli(1).UTC(), OriginKey: strings.Repeat("a", 129), ID: uuid.New()},
			want: ErrInvalidOriginKey,
		},
		{
			name: "negative timestamp",
			id:   Identity{Timestamp: time.UnixMilli(-1).UTC(), OriginKey: "k", ID: uuid.New()},
			want: ErrInvalidTimestamp,
		},
		{
			name: "timestamp beyond 13 digits",
			id:   Identity{Timestamp: time.UnixMilli(10_000_000_000_000).UTC(), OriginKey: "k", ID: uuid.New()},
			want: ErrInvalidTimestamp,
		},
		{
			name: "nil id",
			id:   Identity{Timestamp: time.UnixMilli(1).UTC(), OriginKey: "k"},
			want: ErrMissingID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.id)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	now := time.Now()
	ids := []Identity{
		New(apiKey, now, true),
		New(apiKey, now, false),
		New("a", time.UnixMilli(0), false),
		New(strings.Repeat("Z9-", 42)+"xy", now, true),
	}

	for _, id := range ids {
		name, err := Encode(id)
		require.NoError(t, err)

		got, ok := Decode(name)
		require.True(t, ok, name)
		require.Equal(t, id, got)
		require.Equal(t, id.LaunchCrash, IsLaunchCrash(name))
	}
}

func TestNewTruncatesToMillis(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 123_456_789, time.Local)
	id := New("k", now, false)

	require.Equal(t, 123_000_000, id.Timestamp.Nanosecond())
	require.Equal(t, time.UTC, id.Timestamp.Location())
	require.NotEqual(t, uuid.Nil, id.ID)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid, err := Encode(New(apiKey, time.UnixMilli(1504255147933), false))
	require.NoError(t, err)

	tests := []string{
		"",
		".json",
		"foo.json",
		"1504255147933.json",
		strings.TrimSuffix(valid, ".json"),
		strings.TrimSuffix(valid, ".json") + ".txt",
		strings.Replace(valid, "1504255147933", "150425514793", 1),  // 12 digits
		strings.Replace(valid, "1504255147933", "15042551479x3", 1), // non digit
		strings.Replace(valid, "1504255147933", "+504255147933", 1), // sign
		strings.Replace(valid, "_standard", "_native", 1),
		strings.Replace(valid, apiKey, "", 1),
		strings.Replace(valid, apiKey, "bad!key", 1),
		strings.Replace(valid, "_standard", "_extra_standard", 1),
		"1504255147933_key_00000000-0000-0000-0000-000000000000_standard.json",
		"1504255147933_key_not-a-uuid-at-all-but-36-chars-long!_standard.json",
		"1504255147933_key_{30b7e350-dcd1-4032-969e-98d30be62bbc}_standard.json",
		".flarebox.lock",
		"entry.json.tmp",
	}

	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := Decode(name)
			require.False(t, ok)
			_, ok = OrderKey(name)
			require.False(t, ok)
			require.False(t, IsLaunchCrash(name))
		})
	}
}

func TestOrderKeySortsChronologically(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	var names []string
	for _, offset := range []time.Duration{3 * time.Second, 0, time.Hour, 10 * time.Millisecond} {
		name, err := Encode(New("key", base.Add(offset), false))
		require.NoError(t, err)
		names = append(names, name)
	}
	// an older entry from a different project sorts by time first
	early, err := Encode(New("zzz", base.Add(-time.Minute), false))
	require.NoError(t, err)
	names = append(names, early)

	sort.Slice(names, func(i, j int) bool {
		ki, _ := OrderKey(names[i])
		kj, _ := OrderKey(names[j])
		return ki < kj
	})

	var prev time.Time
	for _, name := range names {
		id, ok := Decode(name)
		require.True(t, ok)
		require.False(t, id.Timestamp.Before(prev), "names out of order: %v", names)
		prev = id.Timestamp
	}
	require.Equal(t, early, names[0])
}

func TestValidOriginKey(t *testing.T) {
	require.True(t, ValidOriginKey("a"))
	require.True(t, ValidOriginKey("ABC-123-xyz"))
	require.True(t, ValidOriginKey(strings.Repeat("a", 128)))
	require.False(t, ValidOriginKey(""))
	require.False(t, ValidOriginKey(strings.Repeat("a", 129)))
	require.False(t, ValidOriginKey("a b"))
	require.False(t, ValidOriginKey("ключ"))
}

func FuzzDecode(f *testing.F) {
	f.Add("1504255147933_" + apiKey + "_30b7e350-dcd1-4032-969e-98d30be62bbc_startupcrash.json")
	f.Add("0000000000000_a_30b7e350-dcd1-4032-969e-98d30be62bbc_standard.json")
	f.Add("_____.json")
	f.Add("")
	f.Add("\x00\xff.json")

	f.Fuzz(func(t *testing.T, name string) {
		id, ok := Decode(name)
		if !ok {
			return
		}
		// anything that decodes must re-encode to the same name, modulo uuid case
		again, err := Encode(id)
		if err != nil {
			t.Fatalf("decoded %q but Encode failed: %v", name, err)
		}
		if !strings.EqualFold(again, name) {
			t.Fatalf("Encode(Decode(%q)) = %q", name, again)
		}
		if _, ok := OrderKey(name); !ok {
			t.Fatalf("OrderKey rejected decodable name %q", name)
		}
	})
}
