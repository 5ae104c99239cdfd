// Command walog-admin manages user files and inspects log directories.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/term"

	"github.com/INLOpen/walog/auth"
	"github.com/INLOpen/walog/core"
	"github.com/INLOpen/walog/wal"
)

var errUsage = errors.New("usage")

type cli struct {
	stdout io.Writer
	stderr io.Writer
	// readPassword prompts for a secret without echoing it.
	readPassword func(prompt string) (string, error)
}

func main() {
	c := &cli{
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		readPassword: terminalPassword,
	}
	if err := c.run(os.Args[1:]); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func terminalPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("error reading password: %w", err)
	}
	return string(b), nil
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.stderr, "Usage: walog-admin <command> [arguments]")
	fmt.Fprintln(c.stderr, "Commands:")
	fmt.Fprintln(c.stderr, "  hash-password - Print a bcrypt hash for a password")
	fmt.Fprintln(c.stderr, "  user add      - Add a user to a user file")
	fmt.Fprintln(c.stderr, "  user list     - List the users of a user file")
	fmt.Fprintln(c.stderr, "  user delete   - Delete a user from a user file")
	fmt.Fprintln(c.stderr, "  dump          - Print the records of a log directory")
	fmt.Fprintln(c.stderr, "  stat          - Print the segments and disk usage of a log directory")
	fmt.Fprintln(c.stderr, "\nUse 'walog-admin <command> -h' for more information on a specific command.")
}

func (c *cli) run(args []string) error {
	if len(args) < 1 {
		c.printUsage()
		return errUsage
	}
	switch args[0] {
	case "hash-password":
		return c.hashPassword(args[1:])
	case "user":
		if len(args) < 2 {
			c.printUsage()
			return errUsage
		}
		switch args[1] {
		case "add":
			return c.userAdd(args[2:])
		case "list":
			return c.userList(args[2:])
		case "delete":
			return c.userDelete(args[2:])
		}
		fmt.Fprintf(c.stderr, "Unknown user command: %s\n", args[1])
		c.printUsage()
		return errUsage
	case "dump":
		return c.dump(args[1:])
	case "stat":
		return c.stat(args[1:])
	default:
		fmt.Fprintf(c.stderr, "Unknown command: %s\n", args[0])
		c.printUsage()
		return errUsage
	}
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) hashPassword(args []string) error {
	fs := c.flagSet("hash-password")
	hashTypeStr := fs.String("hash-type", "bcrypt", "Password hash type (bcrypt, sha256, sha512).")
	if err := fs.Parse(args); err != nil {
		return err
	}
	hashType, err := parseHashType(*hashTypeStr)
	if err != nil {
		return err
	}
	password, err := c.confirmedPassword()
	if err != nil {
		return err
	}
	hashed, err := auth.HashPassword(password, hashType)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	fmt.Fprintln(c.stdout, hashed)
	return nil
}

func (c *cli) confirmedPassword() (string, error) {
	password, err := c.readPassword("Enter password: ")
	if err != nil {
		return "", err
	}
	confirm, err := c.readPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	return password, nil
}

func parseHashType(s string) (auth.HashType, error) {
	switch s {
	case "bcrypt":
		return auth.HashTypeBcrypt, nil
	case "sha256":
		return auth.HashTypeSHA256, nil
	case "sha512":
		return auth.HashTypeSHA512, nil
	default:
		return auth.HashTypeUnknown, fmt.Errorf("invalid -hash-type '%s'. Supported values are: bcrypt, sha256, sha512", s)
	}
}

func (c *cli) userAdd(args []string) error {
	fs := c.flagSet("user add")
	file := fs.String("file", "users.db", "Path to the user database file.")
	username := fs.String("username", "", "Username to add.")
	hashTypeStr := fs.String("hash-type", "bcrypt", "Password hash type to use when creating a new user file (bcrypt, sha256, sha512).")
	role := fs.String("role", auth.RoleReplica, "Role for the new user ('replica' or 'admin').")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		fs.Usage()
		return errors.New("-username is required")
	}
	if *role != auth.RoleReplica && *role != auth.RoleAdmin {
		fs.Usage()
		return fmt.Errorf("-role must be either '%s' or '%s'", auth.RoleReplica, auth.RoleAdmin)
	}

	users, hashType, err := auth.ReadUserFile(*file)
	if err != nil {
		return fmt.Errorf("error reading user file: %w", err)
	}
	if _, exists := users[*username]; exists {
		return fmt.Errorf("user '%s' already exists", *username)
	}
	// A new file takes the hash type from the flag; an existing one keeps its own.
	if len(users) == 0 {
		if hashType, err = parseHashType(*hashTypeStr); err != nil {
			return err
		}
	}

	password, err := c.confirmedPassword()
	if err != nil {
		return err
	}
	hashed, err := auth.HashPassword(password, hashType)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	users[*username] = auth.UserRecord{
		Username:     *username,
		PasswordHash: hashed,
		Role:         *role,
	}
	if err := auth.WriteUserFile(*file, users, hashType); err != nil {
		return fmt.Errorf("error writing user file: %w", err)
	}
	fmt.Fprintf(c.stdout, "Successfully added user '%s' with role '%s' to %s.\n", *username, *role, *file)
	return nil
}

func (c *cli) userList(args []string) error {
	fs := c.flagSet("user list")
	file := fs.String("file", "users.db", "Path to the user database file.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	users, hashType, err := auth.ReadUserFile(*file)
	if err != nil {
		return fmt.Errorf("error reading user file: %w", err)
	}
	if len(users) == 0 {
		fmt.Fprintln(c.stdout, "No users found.")
		return nil
	}

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(c.stdout, "Users (HashType: %d):\n", hashType)
	for _, name := range names {
		fmt.Fprintf(c.stdout, "- Username: %s, Role: %s\n", name, users[name].Role)
	}
	return nil
}

func (c *cli) userDelete(args []string) error {
	fs := c.flagSet("user delete")
	file := fs.String("file", "users.db", "Path to the user database file.")
	username := fs.String("username", "", "Username to delete.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		fs.Usage()
		return errors.New("-username is required")
	}
	users, hashType, err := auth.ReadUserFile(*file)
	if err != nil {
		return fmt.Errorf("error reading user file: %w", err)
	}
	if _, exists := users[*username]; !exists {
		return fmt.Errorf("user '%s' not found", *username)
	}
	delete(users, *username)
	if err := auth.WriteUserFile(*file, users, hashType); err != nil {
		return fmt.Errorf("error writing user file: %w", err)
	}
	fmt.Fprintf(c.stdout, "Successfully deleted user '%s' from %s.\n", *username, *file)
	return nil
}

// openReadOnly opens an existing log directory without creating it.
func openReadOnly(dir string) (*wal.WAL, error) {
	if dir == "" {
		return nil, errors.New("-dir is required")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return wal.Open(wal.Options{
		Dir:      dir,
		ReadOnly: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// parseLSN accepts "none", the "file:offset" form printed by the tools, or
// a plain integer (decimal or 0x-prefixed).
func parseLSN(s string) (uint64, error) {
	if s == "" || s == "none" {
		return core.NoLSN, nil
	}
	if file, off, ok := strings.Cut(s, ":"); ok {
		f, err := strconv.ParseUint(file, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
		}
		o, err := strconv.ParseUint(off, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
		}
		if core.Offset(f) != 0 || o > core.MaxSegmentOffset {
			return 0, fmt.Errorf("invalid lsn %q: out of range", s)
		}
		return core.MakeLSN(f, o), nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return v, nil
}

func (c *cli) dump(args []string) error {
	fs := c.flagSet("dump")
	dir := fs.String("dir", "", "Log directory to read.")
	fromStr := fs.String("from", "none", "First LSN to print ('none' starts at the oldest record).")
	limit := fs.Int("limit", 0, "Maximum number of records to print (0 means all).")
	asHex := fs.Bool("hex", false, "Print payloads as hex instead of text.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, err := parseLSN(*fromStr)
	if err != nil {
		return err
	}
	w, err := openReadOnly(*dir)
	if err != nil {
		return err
	}
	defer w.Close()

	n, err := dumpRecords(c.stdout, w, from, *limit, *asHex)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stderr, "%d records\n", n)
	return nil
}

// dumpRecords prints one line per record and returns how many were printed.
// It never waits for new records.
func dumpRecords(out io.Writer, w *wal.WAL, from uint64, limit int, asHex bool) (int, error) {
	var it *wal.Iterator
	if from == core.NoLSN {
		it = w.Iterator(-1)
	} else {
		it = w.IteratorFrom(from, -1)
	}
	defer it.Close()

	n := 0
	for (limit <= 0 || n < limit) && it.Next() {
		rec := it.Record()
		fmt.Fprintf(out, "%s\t%d\t%s\n", core.FormatLSN(rec.LSN), len(rec.Payload), formatPayload(rec.Payload, asHex))
		n++
	}
	return n, it.Err()
}

func formatPayload(p []byte, asHex bool) string {
	if asHex || !utf8.Valid(p) {
		return hex.EncodeToString(p)
	}
	return strconv.Quote(string(p))
}

func (c *cli) stat(args []string) error {
	fs := c.flagSet("stat")
	dir := fs.String("dir", "", "Log directory to inspect.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := openReadOnly(*dir)
	if err != nil {
		return err
	}
	defer w.Close()
	return printStat(c.stdout, w)
}

func printStat(out io.Writer, w *wal.WAL) error {
	segments := w.Segments()
	var total int64
	fmt.Fprintf(out, "Directory: %s\n", w.Dir())
	fmt.Fprintf(out, "Segments: %d\n", len(segments))
	for _, fileLSN := range segments {
		name := core.FormatSegmentFileName(fileLSN)
		info, err := os.Stat(filepath.Join(w.Dir(), name))
		if err != nil {
			return err
		}
		total += info.Size()
		fmt.Fprintf(out, "  %s\t%d bytes\n", name, info.Size())
	}
	fmt.Fprintf(out, "Total size: %d bytes\n", total)

	first, err := w.First(-1)
	if err != nil {
		return err
	}
	last, err := w.Last()
	if err != nil {
		return err
	}
	if first != nil && last != nil {
		fmt.Fprintf(out, "First LSN: %s\n", core.FormatLSN(first.LSN))
		fmt.Fprintf(out, "Last LSN: %s\n", core.FormatLSN(last.LSN))
	} else {
		fmt.Fprintln(out, "Log is empty.")
	}

	if du, err := disk.Usage(w.Dir()); err == nil {
		fmt.Fprintf(out, "Disk: %.1f%% used, %d bytes free\n", du.UsedPercent, du.Free)
	}
	return nil
}
