package auth

import (
	"bufio"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"

	"github.com/INLOpen/walog/sys"
)

// The user file lists the accounts allowed to connect to a master: replicas
// that stream the log and admins that may do anything. Layout, little
// endian: a UserFileHeader followed by UserCount records of three
// length-prefixed strings (username, password hash, role).
const (
	UserFileMagic          uint32 = 0x55535244 // "USRD"
	CurrentUserFileVersion uint8  = 1
)

// HashType selects how the passwords of a user file are hashed. One file
// uses a single hash type for every account.
type HashType uint8

const (
	HashTypeUnknown HashType = iota
	HashTypeBcrypt
	HashTypeSHA256
	HashTypeSHA512
)

// defaultHashType is used for a file that does not exist yet.
const defaultHashType = HashTypeBcrypt

func (h HashType) valid() bool {
	return h == HashTypeBcrypt || h == HashTypeSHA256 || h == HashTypeSHA512
}

// UserFileHeader is the fixed-size start of a user file.
type UserFileHeader struct {
	Magic     uint32
	Version   uint8
	HashType  HashType
	UserCount uint32
}

// UserRecord is one account as stored on disk.
type UserRecord struct {
	Username     string
	PasswordHash string
	Role         string
}

// ReadUserFile loads the accounts stored at path. A missing or empty file
// holds no accounts and reports the default hash type.
func ReadUserFile(path string) (map[string]UserRecord, HashType, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]UserRecord{}, defaultHashType, nil
	}
	if err != nil {
		return nil, HashTypeUnknown, fmt.Errorf("failed to open user file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr UserFileHeader
	switch err := binary.Read(r, binary.LittleEndian, &hdr); {
	case err == io.EOF:
		return map[string]UserRecord{}, defaultHashType, nil
	case err != nil:
		return nil, HashTypeUnknown, fmt.Errorf("failed to read user file header: %w", err)
	case hdr.Magic != UserFileMagic:
		return nil, HashTypeUnknown, fmt.Errorf("%s is not a user file (magic %x)", path, hdr.Magic)
	case hdr.Version > CurrentUserFileVersion:
		return nil, HashTypeUnknown, fmt.Errorf("user file version %d is newer than supported version %d", hdr.Version, CurrentUserFileVersion)
	case !hdr.HashType.valid():
		return nil, HashTypeUnknown, fmt.Errorf("user file uses unknown hash type %d", hdr.HashType)
	}

	users := make(map[string]UserRecord, hdr.UserCount)
	for i := uint32(0); i < hdr.UserCount; i++ {
		var u UserRecord
		for _, field := range []*string{&u.Username, &u.PasswordHash, &u.Role} {
			if *field, err = readString(r); err != nil {
				return nil, HashTypeUnknown, fmt.Errorf("user file record %d of %d: %w", i+1, hdr.UserCount, err)
			}
		}
		users[u.Username] = u
	}
	return users, hdr.HashType, nil
}

// WriteUserFile replaces the file at path with users. The new content is
// written to a temporary file first and renamed into place.
func WriteUserFile(path string, users map[string]UserRecord, hashType HashType) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create user file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := bufio.NewWriter(tmp)
	hdr := UserFileHeader{
		Magic:     UserFileMagic,
		Version:   CurrentUserFileVersion,
		HashType:  hashType,
		UserCount: uint32(len(users)),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to write user file header: %w", err)
	}
	for _, u := range users {
		for _, field := range []string{u.Username, u.PasswordHash, u.Role} {
			if err := writeString(w, field); err != nil {
				return fmt.Errorf("failed to write user %q: %w", u.Username, err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync user file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close user file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install user file: %w", err)
	}
	return sys.SyncDir(dir)
}

// HashPassword hashes password for storage in a file of the given hash
// type. The SHA variants are unsalted hex digests.
func HashPassword(password string, hashType HashType) (string, error) {
	switch hashType {
	case HashTypeBcrypt:
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hashed), nil
	case HashTypeSHA256:
		sum := sha256.Sum256([]byte(password))
		return hex.EncodeToString(sum[:]), nil
	case HashTypeSHA512:
		sum := sha512.Sum512([]byte(password))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash type: %d", hashType)
	}
}

// errUnsupportedHash is returned by passwordMatches for an unknown hash type.
var errUnsupportedHash = errors.New("unsupported password hash type")

// passwordMatches checks password against a stored hash in constant time.
func passwordMatches(hashType HashType, stored, password string) (bool, error) {
	if hashType == HashTypeBcrypt {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil, nil
	}
	if hashType != HashTypeSHA256 && hashType != HashTypeSHA512 {
		return false, errUnsupportedHash
	}
	want, err := hex.DecodeString(stored)
	if err != nil {
		return false, nil
	}
	got, _ := HashPassword(password, hashType)
	gotBytes, _ := hex.DecodeString(got)
	return subtle.ConstantTimeCompare(gotBytes, want) == 1, nil
}

// Strings in the user file and in the TCP handshake carry a uint16 length.
func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string of %d bytes is too long", len(s))
	}
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(s)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n [2]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.LittleEndian.Uint16(n[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
