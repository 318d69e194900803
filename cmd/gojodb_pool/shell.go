package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojodb-bufferpool/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
)

const shellHelp = `Commands:
  new                        allocate a page (returned pinned)
  fetch <page_id>            pin a page, reading it from disk if needed
  write <page_id> <text>     copy text into a pinned page, mark it dirty and release one pin
  read <page_id> [n]         print the first n bytes (default 64) of a pinned page
  unpin <page_id> [dirty]    release one pin, optionally marking the page dirty
  flush <page_id>            write a resident page to disk
  flushall                   write every resident page to disk
  delete <page_id>           drop an unpinned page and free its id
  stats                      show frame usage
  help                       show this message
  exit                       leave the shell`

var errExit = errors.New("exit")

// shell runs commands against a pool. Pages it has pinned are remembered so
// write and read do not need to pin again.
type shell struct {
	pool   memtable.BufferPool
	pinned map[pagemanager.PageID]*pagemanager.Page
}

func newShell(pool memtable.BufferPool) *shell {
	return &shell{pool: pool, pinned: make(map[pagemanager.PageID]*pagemanager.Page)}
}

// run reads commands until EOF or exit.
func (s *shell) run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojodb-pool> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("new"),
			readline.PcItem("fetch"),
			readline.PcItem("write"),
			readline.PcItem("read"),
			readline.PcItem("unpin"),
			readline.PcItem("flush"),
			readline.PcItem("flushall"),
			readline.PcItem("delete"),
			readline.PcItem("stats"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "GojoDB buffer pool shell. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if err := s.execute(args, rl.Stdout()); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
	}
}

// execute runs a single command and writes its result to out.
func (s *shell) execute(args []string, out io.Writer) error {
	command := strings.ToLower(args[0])
	switch command {
	case "help":
		fmt.Fprintln(out, shellHelp)
	case "exit", "quit":
		return errExit
	case "new":
		pageID, page, err := s.pool.NewPage()
		if err != nil {
			return err
		}
		s.pinned[pageID] = page
		fmt.Fprintf(out, "page %d allocated\n", pageID)
	case "fetch":
		pageID, err := parsePageID(args, 2)
		if err != nil {
			return err
		}
		page, err := s.pool.FetchPage(pageID)
		if err != nil {
			return err
		}
		s.pinned[pageID] = page
		fmt.Fprintf(out, "page %d pinned (pin count %d)\n", pageID, page.GetPinCount())
	case "write":
		pageID, err := parsePageID(args, 3)
		if err != nil {
			return err
		}
		page, ok := s.pinned[pageID]
		if !ok {
			return fmt.Errorf("page %d is not pinned by this shell; fetch it first", pageID)
		}
		text := strings.Join(args[2:], " ")
		page.Lock()
		n := copy(page.GetData(), text)
		page.Unlock()
		if err := s.pool.UnpinPage(pageID, true); err != nil {
			return err
		}
		if page.GetPinCount() == 0 {
			delete(s.pinned, pageID)
		}
		fmt.Fprintf(out, "wrote %d bytes to page %d and released it\n", n, pageID)
	case "read":
		pageID, err := parsePageID(args, 2)
		if err != nil {
			return err
		}
		page, ok := s.pinned[pageID]
		if !ok {
			return fmt.Errorf("page %d is not pinned by this shell; fetch it first", pageID)
		}
		n := 64
		if len(args) > 2 {
			if n, err = strconv.Atoi(args[2]); err != nil || n <= 0 {
				return fmt.Errorf("invalid byte count %q", args[2])
			}
		}
		page.RLock()
		data := page.GetData()
		if n > len(data) {
			n = len(data)
		}
		fmt.Fprintf(out, "%q\n", strings.TrimRight(string(data[:n]), "\x00"))
		page.RUnlock()
	case "unpin":
		pageID, err := parsePageID(args, 2)
		if err != nil {
			return err
		}
		dirty := len(args) > 2 && strings.EqualFold(args[2], "dirty")
		if err := s.pool.UnpinPage(pageID, dirty); err != nil {
			return err
		}
		if page, ok := s.pinned[pageID]; ok && page.GetPinCount() == 0 {
			delete(s.pinned, pageID)
		}
		fmt.Fprintf(out, "page %d unpinned\n", pageID)
	case "flush":
		pageID, err := parsePageID(args, 2)
		if err != nil {
			return err
		}
		if err := s.pool.FlushPage(pageID); err != nil {
			return err
		}
		fmt.Fprintf(out, "page %d flushed\n", pageID)
	case "flushall":
		if err := s.pool.FlushAllPages(); err != nil {
			return err
		}
		fmt.Fprintln(out, "all pages flushed")
	case "delete":
		pageID, err := parsePageID(args, 2)
		if err != nil {
			return err
		}
		if err := s.pool.DeletePage(pageID); err != nil {
			return err
		}
		delete(s.pinned, pageID)
		fmt.Fprintf(out, "page %d deleted\n", pageID)
	case "stats":
		st := s.pool.Stats()
		fmt.Fprintf(out, "frames=%d resident=%d pinned=%d evictable=%d free=%d\n",
			st.PoolSize, st.Resident, st.Pinned, st.Evictable, st.Free)
	default:
		return fmt.Errorf("unknown command %q, type 'help'", command)
	}
	return nil
}

// parsePageID parses args[1] after checking that at least minArgs arguments are present.
func parsePageID(args []string, minArgs int) (pagemanager.PageID, error) {
	if len(args) < minArgs {
		return pagemanager.InvalidPageID, fmt.Errorf("%s: missing arguments, type 'help'", args[0])
	}
	id, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("invalid page id %q", args[1])
	}
	return pagemanager.PageID(id), nil
}
