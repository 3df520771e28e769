// Command sectreectl is a small CLI harness over the btree engine: no
// flag framework beyond the standard library, explicit os.Exit on
// failure, subcommands dispatched by os.Args[1].
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"diskbtree/diag"
	"diskbtree/treemgr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "insert":
		err = runInsert(os.Args[2:])
	case "find":
		err = runFind(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:])
	case "trace":
		err = runTrace(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "drop":
		err = runDrop(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("sectreectl: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sectreectl <command> [flags]

commands:
  create  --dir DIR --name NAME --size BYTES --keysize N
  insert  --dir DIR --name NAME --key HEX --value STRING
  find    --dir DIR --name NAME --key HEX
  dump    --dir DIR --name NAME
  trace   --dir DIR --name NAME --key HEX
  list    --dir DIR
  drop    --dir DIR --name NAME`)
}

// paddedKey hex-decodes s and right-pads or truncates it to size bytes,
// so callers can pass short human-readable hex without hand-computing
// padding.
func paddedKey(s string, size int) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("--key must be hex-encoded: %w", err)
	}
	key := make([]byte, size)
	copy(key, raw)
	return key, nil
}

func paddedRecord(s string) []byte {
	rec := make([]byte, 1024)
	copy(rec, []byte(s))
	return rec
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	dir := fs.String("dir", ".", "managed tree directory")
	name := fs.String("name", "", "tree name")
	size := fs.Int64("size", 1<<20, "backing file size in bytes")
	keySize := fs.Int("keysize", 8, "fixed key size in bytes")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	m, err := treemgr.NewManager(*dir)
	if err != nil {
		return err
	}
	tr, err := m.CreateTree(*name, *size, *keySize)
	if err != nil {
		return err
	}
	defer tr.Close()

	fmt.Printf("created %q (key_size=%d) in %s\n", *name, *keySize, *dir)
	return nil
}

func runInsert(args []string) error {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	dir := fs.String("dir", ".", "managed tree directory")
	name := fs.String("name", "", "tree name")
	keyHex := fs.String("key", "", "hex-encoded key")
	value := fs.String("value", "", "record value (padded/truncated to 1024 bytes)")
	fs.Parse(args)

	if *name == "" || *keyHex == "" {
		return fmt.Errorf("--name and --key are required")
	}

	m, err := treemgr.NewManager(*dir)
	if err != nil {
		return err
	}
	tr, err := m.OpenTree(*name)
	if err != nil {
		return err
	}
	defer tr.Close()

	key, err := paddedKey(*keyHex, tr.KeySize())
	if err != nil {
		return err
	}

	lba, err := tr.Insert(key, paddedRecord(*value))
	if err != nil {
		return err
	}
	fmt.Printf("stored at lba %d\n", lba)
	return nil
}

func runFind(args []string) error {
	fs := flag.NewFlagSet("find", flag.ExitOnError)
	dir := fs.String("dir", ".", "managed tree directory")
	name := fs.String("name", "", "tree name")
	keyHex := fs.String("key", "", "hex-encoded key")
	fs.Parse(args)

	if *name == "" || *keyHex == "" {
		return fmt.Errorf("--name and --key are required")
	}

	m, err := treemgr.NewManager(*dir)
	if err != nil {
		return err
	}
	tr, err := m.OpenTree(*name)
	if err != nil {
		return err
	}
	defer tr.Close()

	key, err := paddedKey(*keyHex, tr.KeySize())
	if err != nil {
		return err
	}

	lba, err := tr.Find(key)
	if err != nil {
		return err
	}
	if lba == 0 {
		fmt.Println("not found")
		return nil
	}

	record, err := tr.ReadPayload(lba)
	if err != nil {
		return err
	}
	fmt.Printf("lba %d: %q\n", lba, trimTrailingZeroes(record))
	return nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	dir := fs.String("dir", ".", "managed tree directory")
	name := fs.String("name", "", "tree name")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	m, err := treemgr.NewManager(*dir)
	if err != nil {
		return err
	}
	tr, err := m.OpenTree(*name)
	if err != nil {
		return err
	}
	defer tr.Close()

	return diag.Dump(os.Stdout, tr)
}

func runTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	dir := fs.String("dir", ".", "managed tree directory")
	name := fs.String("name", "", "tree name")
	keyHex := fs.String("key", "", "hex-encoded key")
	fs.Parse(args)

	if *name == "" || *keyHex == "" {
		return fmt.Errorf("--name and --key are required")
	}

	m, err := treemgr.NewManager(*dir)
	if err != nil {
		return err
	}
	tr, err := m.OpenTree(*name)
	if err != nil {
		return err
	}
	defer tr.Close()

	key, err := paddedKey(*keyHex, tr.KeySize())
	if err != nil {
		return err
	}

	events, lba, err := tr.Trace(key)
	if err != nil {
		return err
	}
	if err := diag.EncodeTrace(os.Stdout, events); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "resolved lba: %d (%d events)\n", lba, len(events))
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dir := fs.String("dir", ".", "managed tree directory")
	fs.Parse(args)

	m, err := treemgr.NewManager(*dir)
	if err != nil {
		return err
	}
	names, err := m.ListTrees()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runDrop(args []string) error {
	fs := flag.NewFlagSet("drop", flag.ExitOnError)
	dir := fs.String("dir", ".", "managed tree directory")
	name := fs.String("name", "", "tree name")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	m, err := treemgr.NewManager(*dir)
	if err != nil {
		return err
	}
	return m.DropTree(*name)
}

func trimTrailingZeroes(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}
