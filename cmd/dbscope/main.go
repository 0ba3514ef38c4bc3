// dbscope - Siemens S7 datablock browser
//
// Parses DB and UDT source files, lays them out byte.bit the way the CPU
// does, and reads, filters, writes and republishes datablock contents from
// a terminal UI, a web API or the command line.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"dbscope/config"
	"dbscope/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag turns a bare --log-debug into --log-debug all.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	noTUI       = flag.Bool("d", false, "Disable local TUI (headless mode)")
	noTUILong   = flag.Bool("no-tui", false, "Disable local TUI (headless mode)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	sourceDir   = flag.String("source", "", "Folder with .db and .udt files (overrides config)")
	openName    = flag.String("open", "", "Datablock to open at startup")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")

	dumpName    = flag.String("dump", "", "Print the layout and values of a datablock and exit")
	dumpAll     = flag.Bool("all", false, "With -dump, include fields hidden by the filter")
	dumpRead    = flag.Bool("read", false, "With -dump, read the datablock from the PLC first")
	scanCIDR    = flag.String("scan", "", "Probe a subnet (e.g. 192.168.0.0/24) for S7 CPUs and exit")
	scanTimeout = flag.Duration("scan-timeout", 2*time.Second, "Per-host timeout for -scan")
	captureName = flag.String("capture", "", "Record reads of a datablock to a capture file and exit")
	frames      = flag.Int("frames", 10, "Number of reads for -capture")
	outPath     = flag.String("out", "", "Output file for -capture")
	replayPath  = flag.String("replay", "", "Read from a capture file instead of the PLC")
	replayLoop  = flag.Bool("loop", false, "With -replay, start over after the last frame")
)

func main() {
	preprocessLogDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("dbscope %s\n", Version)
		os.Exit(0)
	}

	headless := *noTUI || *noTUILong

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flag overrides are kept in memory only.
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *sourceDir != "" {
		cfg.SourceDir = *sourceDir
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	closeLogs := setupLogging(headless)

	switch {
	case *scanCIDR != "":
		err = runScan(os.Stdout, *scanCIDR)
	case *dumpName != "":
		err = runDump(os.Stdout, cfg, *dumpName)
	case *captureName != "":
		err = runCapture(os.Stdout, cfg, *captureName)
	default:
		err = run(cfg, headless)
	}
	closeLogs()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var fileLogger *logging.FileLogger

// setupLogging opens the -log and -log-debug files and returns a function
// that closes them.
func setupLogging(headless bool) func() {
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	} else if headless {
		fileLogger = logging.NewWriterLogger(os.Stdout)
	}

	var debugLoggerFile *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLoggerFile, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLoggerFile.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLoggerFile)
		}
	}

	return func() {
		if fileLogger != nil {
			fileLogger.Close()
		}
		if debugLoggerFile != nil {
			logging.SetGlobalDebugLogger(nil)
			debugLoggerFile.Close()
		}
	}
}

// logf writes to the general log when one is open.
func logf(format string, args ...interface{}) {
	if fileLogger != nil {
		fileLogger.Log(format, args...)
	}
}
