package auth

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// writeRawUserFile crafts a file with an arbitrary header so reads of
// malformed databases can be exercised.
func writeRawUserFile(t *testing.T, path string, version, hashType uint8, count uint32, tail []byte) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, UserFileMagic))
	buf.WriteByte(version)
	buf.WriteByte(hashType)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, count))
	buf.Write(tail)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
}

func TestUserFile_ReadWrite(t *testing.T) {
	for _, tc := range []struct {
		name     string
		hashType HashType
	}{
		{"bcrypt", HashTypeBcrypt},
		{"sha256", HashTypeSHA256},
		{"sha512", HashTypeSHA512},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "users.db")

			writerHash, err := HashPassword("writer_pass", tc.hashType)
			require.NoError(t, err)
			readerHash, err := HashPassword("reader_pass", tc.hashType)
			require.NoError(t, err)
			users := map[string]UserRecord{
				"writer_user": {Username: "writer_user", PasswordHash: writerHash, Role: RoleWriter},
				"reader_user": {Username: "reader_user", PasswordHash: readerHash, Role: RoleReader},
			}

			require.NoError(t, WriteUserFile(path, users, tc.hashType))

			got, gotHashType, err := ReadUserFile(path)
			require.NoError(t, err)
			assert.Equal(t, tc.hashType, gotHashType)
			assert.Equal(t, users, got)
		})
	}
}

func TestWriteUserFile_Deterministic(t *testing.T) {
	dir := t.TempDir()
	hash, err := HashPassword("pass", HashTypeSHA256)
	require.NoError(t, err)
	users := map[string]UserRecord{
		"carol": {Username: "carol", PasswordHash: hash, Role: RoleReader},
		"alice": {Username: "alice", PasswordHash: hash, Role: RoleWriter},
		"bob":   {Username: "bob", PasswordHash: hash, Role: RoleReader},
	}

	pathA := filepath.Join(dir, "a.db")
	pathB := filepath.Join(dir, "b.db")
	require.NoError(t, WriteUserFile(pathA, users, HashTypeSHA256))
	require.NoError(t, WriteUserFile(pathB, users, HashTypeSHA256))

	bytesA, err := os.ReadFile(pathA)
	require.NoError(t, err)
	bytesB, err := os.ReadFile(pathB)
	require.NoError(t, err)
	assert.Equal(t, bytesA, bytesB, "same map must serialize identically")
}

func TestWriteUserFile_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")
	hash, err := HashPassword("pass", HashTypeSHA256)
	require.NoError(t, err)

	require.NoError(t, WriteUserFile(path, map[string]UserRecord{
		"old": {Username: "old", PasswordHash: hash, Role: RoleWriter},
	}, HashTypeSHA256))
	require.NoError(t, WriteUserFile(path, map[string]UserRecord{
		"new": {Username: "new", PasswordHash: hash, Role: RoleReader},
	}, HashTypeSHA256))

	users, _, err := ReadUserFile(path)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Contains(t, users, "new")
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a write")
}

func TestWriteUserFile_Rejections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")

	err := WriteUserFile(path, nil, HashTypeUnknown)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash type")

	oversized := map[string]UserRecord{
		"a": {Username: "a", PasswordHash: strings.Repeat("x", 70000), Role: RoleReader},
	}
	err = WriteUserFile(path, oversized, HashTypeBcrypt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record limit")
}

func TestReadUserFile_EdgeCases(t *testing.T) {
	dir := t.TempDir()

	t.Run("non_existent_file", func(t *testing.T) {
		users, hashType, err := ReadUserFile(filepath.Join(dir, "nonexistent.db"))
		require.NoError(t, err)
		assert.Empty(t, users)
		assert.Equal(t, HashTypeBcrypt, hashType)
	})

	t.Run("empty_file", func(t *testing.T) {
		path := filepath.Join(dir, "empty.db")
		require.NoError(t, os.WriteFile(path, nil, 0600))

		users, hashType, err := ReadUserFile(path)
		require.NoError(t, err)
		assert.Empty(t, users)
		assert.Equal(t, HashTypeBcrypt, hashType)
	})

	t.Run("corrupted_magic_number", func(t *testing.T) {
		path := filepath.Join(dir, "corrupted_magic.db")
		require.NoError(t, os.WriteFile(path, []byte{0xDE, 0xAD, 0xBE, 0xEF, 1, 1, 0, 0, 0, 0}, 0600))

		_, _, err := ReadUserFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "magic")
	})

	t.Run("unsupported_version", func(t *testing.T) {
		path := filepath.Join(dir, "unsupported_version.db")
		writeRawUserFile(t, path, 99, uint8(HashTypeBcrypt), 0, nil)

		_, _, err := ReadUserFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "version")
	})

	t.Run("unsupported_hash_type", func(t *testing.T) {
		path := filepath.Join(dir, "unsupported_hash.db")
		writeRawUserFile(t, path, CurrentUserFileVersion, 99, 0, nil)

		_, _, err := ReadUserFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hash type")
	})

	t.Run("truncated_header", func(t *testing.T) {
		path := filepath.Join(dir, "truncated_header.db")
		require.NoError(t, os.WriteFile(path, []byte{0x44, 0x52, 0x53, 0x55}, 0600))

		_, _, err := ReadUserFile(path)
		require.Error(t, err)
	})

	t.Run("truncated_record", func(t *testing.T) {
		path := filepath.Join(dir, "truncated_record.db")
		// The header promises one record but only a dangling string length
		// follows.
		writeRawUserFile(t, path, CurrentUserFileVersion, uint8(HashTypeBcrypt), 1, []byte{10, 0})

		_, _, err := ReadUserFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "record #1")
	})
}

func TestHashPassword(t *testing.T) {
	password := "my-secret-password"

	t.Run("bcrypt", func(t *testing.T) {
		hash, err := HashPassword(password, HashTypeBcrypt)
		require.NoError(t, err)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)))
	})

	t.Run("sha256", func(t *testing.T) {
		hash, err := HashPassword(password, HashTypeSHA256)
		require.NoError(t, err)
		assert.Equal(t, "a9c90c47c231afb31950169ccb89951337eb0689d31660e32c34835bb7018c0c", hash)
	})

	t.Run("sha512", func(t *testing.T) {
		hash, err := HashPassword(password, HashTypeSHA512)
		require.NoError(t, err)
		assert.Equal(t, "c64425af28885bcdc21e925fb6217adbdd50ccc1fadf4c663917f95e7890d19dca40a04e1baefecfbb7a5511492bebd2445c495dff2b8a1b5a910b5a9d82bbda", hash)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := HashPassword(password, HashTypeUnknown)
		require.Error(t, err)
	})
}
