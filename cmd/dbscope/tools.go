package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"dbscope/config"
	"dbscope/s7"
	"dbscope/session"
	"dbscope/snapshot"
)

var (
	nameColor   = color.New(color.FgCyan, color.Bold)
	typeColor   = color.New(color.FgBlue)
	offsetColor = color.New(color.FgHiBlack)
	valueColor  = color.New(color.FgYellow)
	hiddenColor = color.New(color.FgHiBlack, color.Italic)
	errorColor  = color.New(color.FgRed, color.Bold)
	okColor     = color.New(color.FgGreen, color.Bold)
)

// runDump prints the layout of a datablock, read from the PLC first when
// -read is set.
func runDump(w io.Writer, cfg *config.Config, name string) error {
	e, err := newEnv(cfg, *dumpRead)
	if err != nil {
		return err
	}
	defer e.close()

	info, err := e.manager.Open(name)
	if err != nil {
		return err
	}
	for _, warning := range info.Warnings {
		fmt.Fprintf(w, "%s %s\n", errorColor.Sprint("warning:"), warning)
	}
	if *dumpRead {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := e.manager.Refresh(ctx); err != nil {
			return err
		}
	}

	tree, err := e.manager.Tree(!*dumpAll)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s DB%d, %d bytes", nameColor.Sprint(info.Name), info.Number, info.Size)
	if info.Version != "" {
		fmt.Fprintf(w, ", version %s", info.Version)
	}
	fmt.Fprintln(w)
	for _, child := range tree.Children {
		printTree(w, child, 1)
	}
	return nil
}

// printTree writes one line per node, children indented below their
// container.
func printTree(w io.Writer, v session.NodeView, depth int) {
	indent := strings.Repeat("  ", depth)
	line := indent + nameColor.Sprint(v.Name) + " : " + typeColor.Sprint(v.Type)
	if v.Offset != "" {
		line += " " + offsetColor.Sprint("@"+v.Offset)
	}
	if v.IsLeaf() {
		if v.Address != "" {
			line += " " + offsetColor.Sprint(v.Address)
		}
		line += " = " + valueColor.Sprint(valueText(v.Value))
	}
	if !v.Visible {
		line += " " + hiddenColor.Sprint("(hidden)")
	}
	fmt.Fprintln(w, line)
	for _, child := range v.Children {
		printTree(w, child, depth+1)
	}
}

func valueText(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return strconv.Quote(x)
	default:
		return fmt.Sprint(x)
	}
}

// runScan probes every host of cidr for an S7 CPU.
func runScan(w io.Writer, cidr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(w, "Scanning %s ...\n", cidr)
	devices, err := s7.DiscoverSubnet(ctx, cidr, *scanTimeout, 64)
	if err != nil {
		return err
	}
	printDevices(w, devices)
	return nil
}

func printDevices(w io.Writer, devices []s7.DiscoveredDevice) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No PLCs found.")
		return
	}
	for _, d := range devices {
		fmt.Fprintf(w, "%s  rack %d slot %d  %s  %s  %s\n",
			okColor.Sprintf("%-15s", d.IP.String()), d.Rack, d.Slot,
			nameColor.Sprint(d.ModuleType), d.ModuleName, offsetColor.Sprint(d.Serial))
	}
	fmt.Fprintf(w, "%d PLC(s) found.\n", len(devices))
}

// runCapture reads a datablock -frames times at the poll rate and saves
// the raw reads for -replay.
func runCapture(w io.Writer, cfg *config.Config, name string) error {
	e, err := newEnv(cfg, true)
	if err != nil {
		return err
	}
	defer e.close()

	if _, err := e.manager.Open(name); err != nil {
		return err
	}
	if err := e.manager.StartCapture(e.source); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := captureFrames(ctx, e.manager, *frames, cfg.PollRate); err != nil {
		e.manager.StopCapture()
		return err
	}
	c := e.manager.StopCapture()

	path := *outPath
	if path == "" {
		path = fmt.Sprintf("%s-%s.capture", name, time.Now().Format("20060102-150405"))
	}
	if err := snapshot.Save(path, c); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %d frame(s) of %s to %s\n", okColor.Sprint("Saved"), len(c.Frames), name, path)
	return nil
}

// captureFrames refreshes n times, rate apart. An interrupt ends the run
// early and keeps what was read.
func captureFrames(ctx context.Context, m *session.Manager, n int, rate time.Duration) error {
	if rate <= 0 {
		rate = time.Second
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := m.Refresh(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if i == n-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
