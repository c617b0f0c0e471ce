package console

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/uartdma/pkg/uart"
)

// Shell provides ishell backed interactive shell on a Channel.
type Shell struct {
	Interactive bool
	// FlushTimeout bounds the flush command.
	FlushTimeout time.Duration

	Shell   *ishell.Shell
	Channel *uart.Channel
}

const shellKey = "$shell"

var (
	// flags

	evalOnly bool

	// commands
	commands = []*ishell.Cmd{
		&SendCmd,
		&PrintfCmd,
		&ISRCmd,
		&ReadCmd,
		&FlushCmd,
		&ResetCmd,
		&StatsCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(ch *uart.Channel) *Shell {
	s := &Shell{
		Interactive:  !evalOnly,
		FlushTimeout: time.Second,

		Shell:   ishell.New(),
		Channel: ch,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt("uart > ")
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// Run runs a single command from args, or the interactive shell.
func (s *Shell) Run(args ...string) error {
	if len(args) > 0 {
		return s.Shell.Process(args...)
	}
	if !s.Interactive {
		return fmt.Errorf("command expected")
	}
	s.Shell.Run()
	return nil
}

// ParseArg converts a printf argument typed on the command line into an
// int, a float or leaves it as a string.
func ParseArg(arg string) interface{} {
	if n, err := strconv.ParseInt(arg, 0, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(arg, 64); err == nil {
		return f
	}
	return arg
}

// unescape expands Go escape sequences like \r\n in s.
func unescape(s string) (string, error) {
	return strconv.Unquote(`"` + strings.Replace(s, `"`, `\"`, -1) + `"`)
}

func joinArgs(c *ishell.Context) (string, error) {
	if len(c.Args) == 0 {
		return "", fmt.Errorf("TEXT required")
	}
	return unescape(strings.Join(c.Args, " "))
}

var (
	// SendCmd queues text for transmission.
	SendCmd = ishell.Cmd{
		Name:    "send",
		Aliases: []string{"s"},
		Help:    "TEXT...",
		Func: func(c *ishell.Context) {
			text, err := joinArgs(c)
			if err != nil {
				c.Err(err)
				return
			}
			ShellFrom(c).Channel.Send([]byte(text))
			c.Printf("%d bytes queued\n", len(text))
		},
	}

	// PrintfCmd formats into the TX ring.
	PrintfCmd = ishell.Cmd{
		Name:    "printf",
		Aliases: []string{"p"},
		Help:    "FORMAT [ARGS...]",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("FORMAT required"))
				return
			}
			format, err := unescape(c.Args[0])
			if err != nil {
				c.Err(fmt.Errorf("Invalid FORMAT: %v", err))
				return
			}
			args := make([]interface{}, 0, len(c.Args)-1)
			for _, arg := range c.Args[1:] {
				args = append(args, ParseArg(arg))
			}
			n := ShellFrom(c).Channel.Printf(format, args...)
			if n == 0 {
				c.Err(fmt.Errorf("dropped"))
				return
			}
			c.Printf("%d bytes queued\n", n)
		},
	}

	// ISRCmd writes through the interrupt context printf, which drops
	// instead of waiting.
	ISRCmd = ishell.Cmd{
		Name: "isr",
		Help: "TEXT...",
		Func: func(c *ishell.Context) {
			text, err := joinArgs(c)
			if err != nil {
				c.Err(err)
				return
			}
			n := ShellFrom(c).Channel.PrintfFromISR("%s", text)
			if n == 0 {
				c.Println("dropped")
				return
			}
			c.Printf("%d bytes queued\n", n)
		},
	}

	// ReadCmd prints everything received so far.
	ReadCmd = ishell.Cmd{
		Name:    "read",
		Aliases: []string{"r"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ch := ShellFrom(c).Channel
			buf := make([]byte, ch.Available())
			n := ch.GetN(buf)
			c.Printf("%q\n", buf[:n])
		},
	}

	// FlushCmd transmits everything queued and waits for completion.
	FlushCmd = ishell.Cmd{
		Name:    "flush",
		Aliases: []string{"f"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			ctx, cancel := context.WithTimeout(context.Background(), s.FlushTimeout)
			defer cancel()
			if err := s.Channel.Flush(ctx); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	}

	// ResetCmd discards both rings.
	ResetCmd = ishell.Cmd{
		Name: "reset",
		Help: "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Channel.ResetBuffers()
			c.Println("OK")
		},
	}

	// StatsCmd prints counters and ring state.
	StatsCmd = ishell.Cmd{
		Name: "stats",
		Help: "",
		Func: func(c *ishell.Context) {
			ch := ShellFrom(c).Channel
			st := ch.Stats()
			rx, tx := ch.Buffers()
			c.Printf("rx: %s bytes=%d dropped=%d deferred=%d\n",
				rx, st.RxBytes, st.RxDropped, st.RxDeferred)
			c.Printf("tx: %s bytes=%d busy=%d aborted=%d\n",
				tx, st.TxBytes, st.TxBusyRetries, st.TxAbortedCycles)
			c.Printf("drops: printf=%d isr=%d drain=%s\n",
				st.PrintfDrops, st.ISRDrops, ch.DrainState())
		},
	}
)
