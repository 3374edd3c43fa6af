package auth

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"golang.org/x/crypto/bcrypt"
)

const (
	// UserFileMagic identifies the user database file ("USRD").
	UserFileMagic uint32 = 0x55535244
	// CurrentUserFileVersion is the current version of the user file format.
	CurrentUserFileVersion uint8 = 1
)

// HashType defines the password hashing algorithm used.
type HashType uint8

const (
	// HashTypeUnknown is an invalid hash type.
	HashTypeUnknown HashType = 0
	// HashTypeBcrypt indicates that bcrypt is used for hashing.
	HashTypeBcrypt HashType = 1
	// HashTypeSHA256 indicates that SHA-256 is used for hashing.
	HashTypeSHA256 HashType = 2
	// HashTypeSHA512 indicates that SHA-512 is used for hashing.
	HashTypeSHA512 HashType = 3
)

func (h HashType) valid() bool {
	return h == HashTypeBcrypt || h == HashTypeSHA256 || h == HashTypeSHA512
}

// UserRecord represents a single user's data within the file.
type UserRecord struct {
	Username     string
	PasswordHash string
	Role         string
}

// WriteUserFile persists the user map as a binary file. The image is built
// in memory, records sorted by username so rewrites of the same map are
// byte-identical, then installed with a temp file and rename so a crash
// mid-write cannot leave a truncated database behind.
func WriteUserFile(path string, users map[string]UserRecord, hashType HashType) error {
	if !hashType.valid() {
		return fmt.Errorf("auth: cannot write user file with hash type %d", hashType)
	}

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	if err := writeHeader(&buf, hashType, uint32(len(users))); err != nil {
		return fmt.Errorf("auth: failed to write user file header: %w", err)
	}
	for _, name := range names {
		if err := encodeRecord(&buf, users[name]); err != nil {
			return fmt.Errorf("auth: failed to encode record for '%s': %w", name, err)
		}
	}

	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("auth: failed to create %s: %w", tempPath, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("auth: failed to write %s: %w", tempPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("auth: failed to sync %s: %w", tempPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("auth: failed to close %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("auth: failed to rename user file into place: %w", err)
	}
	return nil
}

// ReadUserFile loads a binary user file. A missing or empty file is not an
// error; it reads as an empty database defaulting to bcrypt, so a fresh
// deployment works before any user has been added.
func ReadUserFile(path string) (map[string]UserRecord, HashType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]UserRecord), HashTypeBcrypt, nil
		}
		return nil, HashTypeUnknown, fmt.Errorf("auth: failed to read user file: %w", err)
	}
	if len(data) == 0 {
		return make(map[string]UserRecord), HashTypeBcrypt, nil
	}

	r := bytes.NewReader(data)
	hashType, count, err := readHeader(r)
	if err != nil {
		return nil, HashTypeUnknown, err
	}

	users := make(map[string]UserRecord, count)
	for i := uint32(0); i < count; i++ {
		record, err := decodeRecord(r)
		if err != nil {
			return nil, HashTypeUnknown, fmt.Errorf("auth: failed to decode user record #%d: %w", i+1, err)
		}
		users[record.Username] = record
	}
	return users, hashType, nil
}

// HashPassword hashes a password with the given algorithm. The SHA digests
// are unsalted; bcrypt is the default and the right choice for anything
// beyond a throwaway setup.
func HashPassword(password string, hashType HashType) (string, error) {
	switch hashType {
	case HashTypeBcrypt:
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hashed), nil
	case HashTypeSHA256:
		return digestHex(sha256.New(), password), nil
	case HashTypeSHA512:
		return digestHex(sha512.New(), password), nil
	default:
		return "", fmt.Errorf("unsupported hash type: %d", hashType)
	}
}

func digestHex(h hash.Hash, password string) string {
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

// Header layout, little-endian: magic uint32, version uint8, hash type
// uint8, record count uint32. Records follow as three length-prefixed
// strings each (username, password hash, role) with uint16 lengths.

func writeHeader(buf *bytes.Buffer, hashType HashType, count uint32) error {
	if err := binary.Write(buf, binary.LittleEndian, UserFileMagic); err != nil {
		return err
	}
	buf.WriteByte(CurrentUserFileVersion)
	buf.WriteByte(byte(hashType))
	return binary.Write(buf, binary.LittleEndian, count)
}

func readHeader(r io.Reader) (HashType, uint32, error) {
	var hdr struct {
		Magic    uint32
		Version  uint8
		HashType uint8
		Count    uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return HashTypeUnknown, 0, fmt.Errorf("auth: failed to read user file header: %w", err)
	}
	if hdr.Magic != UserFileMagic {
		return HashTypeUnknown, 0, fmt.Errorf("auth: invalid user file magic number: got %x", hdr.Magic)
	}
	if hdr.Version > CurrentUserFileVersion {
		return HashTypeUnknown, 0, fmt.Errorf("auth: unsupported user file version: got %d", hdr.Version)
	}
	if ht := HashType(hdr.HashType); ht.valid() {
		return ht, hdr.Count, nil
	}
	return HashTypeUnknown, 0, fmt.Errorf("auth: unsupported hash type: got %d", hdr.HashType)
}

func encodeRecord(buf *bytes.Buffer, user UserRecord) error {
	for _, field := range []string{user.Username, user.PasswordHash, user.Role} {
		if len(field) > int(^uint16(0)) {
			return fmt.Errorf("field of %d bytes exceeds the record limit", len(field))
		}
		if err := binary.Write(buf, binary.LittleEndian, uint16(len(field))); err != nil {
			return err
		}
		buf.WriteString(field)
	}
	return nil
}

func decodeRecord(r io.Reader) (UserRecord, error) {
	fields := make([]string, 3)
	for i := range fields {
		var length uint16
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return UserRecord{}, err
		}
		field := make([]byte, length)
		if _, err := io.ReadFull(r, field); err != nil {
			return UserRecord{}, err
		}
		fields[i] = string(field)
	}
	return UserRecord{Username: fields[0], PasswordHash: fields[1], Role: fields[2]}, nil
}
