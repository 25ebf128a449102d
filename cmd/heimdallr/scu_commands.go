package main

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"heimdallr/internal/config"
	"heimdallr/internal/dicomio"
	"heimdallr/internal/dimse"
)

type scuFlags struct {
	host      string
	port      int
	callingAE string
	calledAE  string
	timeout   time.Duration
}

func (f *scuFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "", "Receiver host (defaults to the configured bind, or 127.0.0.1)")
	cmd.Flags().IntVar(&f.port, "port", 0, "Receiver port (defaults to the configured port)")
	cmd.Flags().StringVar(&f.callingAE, "calling-ae", "HEIMDALLR_SCU", "Calling AE title")
	cmd.Flags().StringVar(&f.calledAE, "called-ae", "", "Called AE title (defaults to the configured AE title)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Per-response timeout")
}

func (f *scuFlags) resolve(cfg *config.Config) (string, dimse.RequestConfig) {
	host := strings.TrimSpace(f.host)
	if host == "" {
		host = cfg.Receiver.Bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port := f.port
	if port == 0 {
		port = cfg.Receiver.Port
	}
	called := strings.TrimSpace(f.calledAE)
	if called == "" {
		called = cfg.Receiver.AETitle
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), dimse.RequestConfig{
		CallingAE:    f.callingAE,
		CalledAE:     called,
		MaxPDULength: uint32(cfg.Receiver.MaxPDULength),
		ReadTimeout:  f.timeout,
	}
}

func newEchoCommand(ctx *commandContext) *cobra.Command {
	var flags scuFlags

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Send a C-ECHO to a DICOM receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			addr, reqCfg := flags.resolve(cfg)
			reqCfg.Contexts = dimse.ProposeContexts([]string{dicomio.VerificationSOPClass}, dicomio.VerificationTransferSyntaxes...)

			started := time.Now()
			assoc, err := dimse.Request(cmd.Context(), addr, reqCfg)
			if err != nil {
				return fmt.Errorf("associate with %s: %w", addr, err)
			}
			defer assoc.Close()
			status, err := assoc.Echo(cmd.Context(), dicomio.VerificationSOPClass)
			if err != nil {
				return fmt.Errorf("echo: %w", err)
			}
			_ = assoc.Release(cmd.Context())
			if status != dimse.StatusSuccess {
				return fmt.Errorf("echo returned status 0x%04x", status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "C-ECHO %s (%s) ok in %s\n", addr, reqCfg.CalledAE, time.Since(started).Round(time.Millisecond))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

type sendFile struct {
	path    string
	meta    dicomio.FileMeta
	dataset []byte
}

func newSendCommand(ctx *commandContext) *cobra.Command {
	var flags scuFlags

	cmd := &cobra.Command{
		Use:   "send <dir>",
		Short: "C-STORE every Part 10 file under a directory to a DICOM receiver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			dir, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			files, skipped, err := collectPart10(dir)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("%s holds no DICOM Part 10 files", dir)
			}

			addr, reqCfg := flags.resolve(cfg)
			reqCfg.Contexts = proposeStorageContexts(files)
			sent, failed, err := sendAll(cmd.Context(), addr, reqCfg, files)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sent %d of %d file(s) to %s", sent, len(files), addr)
			if skipped > 0 {
				fmt.Fprintf(out, ", %d unreadable file(s) skipped", skipped)
			}
			fmt.Fprintln(out)
			for _, line := range failed {
				fmt.Fprintln(out, "  "+line)
			}
			if err != nil {
				return err
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d file(s) not stored", len(failed))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func collectPart10(dir string) ([]sendFile, int, error) {
	var files []sendFile
	skipped := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		meta, dataset, err := dicomio.ReadPart10(path)
		if err != nil || meta.SOPClassUID == "" {
			skipped++
			return nil
		}
		files = append(files, sendFile{path: path, meta: meta, dataset: dataset})
		return nil
	})
	return files, skipped, err
}

// proposeStorageContexts offers each SOP class once per distinct transfer
// syntax found on disk, since datasets are sent as stored.
func proposeStorageContexts(files []sendFile) []dimse.PresentationContext {
	seen := make(map[[2]string]struct{})
	var keys [][2]string
	for _, f := range files {
		key := [2]string{f.meta.SOPClassUID, f.meta.TransferSyntaxUID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	contexts := make([]dimse.PresentationContext, 0, len(keys))
	for i, key := range keys {
		contexts = append(contexts, dimse.PresentationContext{
			ID:               byte(2*i + 1),
			AbstractSyntax:   key[0],
			TransferSyntaxes: []string{key[1]},
		})
	}
	return contexts
}

func sendAll(ctx context.Context, addr string, reqCfg dimse.RequestConfig, files []sendFile) (int, []string, error) {
	if len(reqCfg.Contexts) > 128 {
		return 0, nil, fmt.Errorf("%d presentation contexts exceed the association limit", len(reqCfg.Contexts))
	}
	assoc, err := dimse.Request(ctx, addr, reqCfg)
	if err != nil {
		return 0, nil, fmt.Errorf("associate with %s: %w", addr, err)
	}
	defer assoc.Close()

	sent := 0
	var failed []string
	for _, f := range files {
		pc, ok := assoc.ContextFor(f.meta.SOPClassUID, f.meta.TransferSyntaxUID)
		if !ok || pc.TransferSyntax != f.meta.TransferSyntaxUID {
			failed = append(failed, fmt.Sprintf("%s: no accepted context for %s", filepath.Base(f.path), f.meta.TransferSyntaxUID))
			continue
		}
		status, err := assoc.Store(ctx, pc.ID, f.meta.SOPClassUID, f.meta.SOPInstanceUID, f.dataset)
		if err != nil {
			return sent, failed, fmt.Errorf("store %s: %w", filepath.Base(f.path), err)
		}
		if status != dimse.StatusSuccess {
			failed = append(failed, fmt.Sprintf("%s: status 0x%04x", filepath.Base(f.path), status))
			continue
		}
		sent++
	}
	_ = assoc.Release(ctx)
	return sent, failed, nil
}
