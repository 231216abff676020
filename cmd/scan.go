package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailbox-harvester/config"
	"github.com/dhcgn/mailbox-harvester/filter"
	"github.com/dhcgn/mailbox-harvester/links"
	"github.com/dhcgn/mailbox-harvester/message"
	"github.com/dhcgn/mailbox-harvester/runner"
)

// SenderStats counts what one sender's messages carry.
type SenderStats struct {
	Sender      string
	Messages    int
	Attachments int
	Links       int
}

// ScanReport is a read-only survey of the mailbox. Nothing is downloaded or
// recorded in state.
type ScanReport struct {
	Messages   int
	Filtered   int
	Unreadable int
	Senders    map[string]*SenderStats
}

// Top returns the n senders with the most attachments and links.
func (r ScanReport) Top(n int) []SenderStats {
	all := make([]SenderStats, 0, len(r.Senders))
	for _, s := range r.Senders {
		all = append(all, *s)
	}
	sort.Slice(all, func(i, j int) bool {
		wi, wj := all[i].Attachments+all[i].Links, all[j].Attachments+all[j].Links
		if wi != wj {
			return wi > wj
		}
		return all[i].Sender < all[j].Sender
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// NewScanCmd returns the scan subcommand. open connects the mailbox described
// by the loaded config.
func NewScanCmd(open func(context.Context, config.Config) (MailboxSource, error)) *cobra.Command {
	var (
		reportDir string
		topN      int
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Survey the mailbox and report attachments and partner links per sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, KeyringSecrets())
			if err != nil {
				return err
			}

			f, err := filter.New(filter.Options{
				IncludeHeader: cfg.IncludeHeader,
				IncludeBody:   cfg.IncludeBody,
				ExcludeHeader: cfg.ExcludeHeader,
				ExcludeBody:   cfg.ExcludeBody,
			})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			src, err := open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer src.Close()

			extractor := links.NewExtractor(links.ExtractorOptions{
				Phrases:        cfg.LinkPhrases,
				HighlightColor: cfg.HighlightColor,
				PartnerDomains: cfg.PartnerDomains,
			})

			pterm.Info.Printf("Scanning %s mailbox\n", cfg.Source)
			report, err := Scan(cmd.Context(), src, f, extractor, slog.Default())
			if err != nil {
				return err
			}

			printScanReport(report, topN)
			if reportDir == "" {
				return nil
			}
			path, err := saveCSVReport(report, reportDir)
			if err != nil {
				return fmt.Errorf("save report: %w", err)
			}
			pterm.Success.Printf("Report saved to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", "", "Directory for a CSV report (none when empty)")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of senders to display")
	return cmd
}

// Scan reads every message of src once and counts attachments and partner
// links per sender.
func Scan(ctx context.Context, src runner.Source, f *filter.Filter, extractor runner.LinkExtractor, logger *slog.Logger) (ScanReport, error) {
	report := ScanReport{Senders: make(map[string]*SenderStats)}

	ids, err := src.ListMessageIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list messages: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		msg, err := src.FetchRawMessage(ctx, id)
		if err != nil {
			logger.Warn("message not readable", "messageID", id, "err", err)
			report.Unreadable++
			continue
		}
		if !f.Check(msg.Raw).Allowed {
			report.Filtered++
			continue
		}

		parsed, err := message.Parse(msg.Raw)
		if err != nil {
			logger.Warn("message not parseable", "messageID", id, "err", err)
			report.Unreadable++
			continue
		}
		report.Messages++

		sender := senderOf(parsed)
		stats, ok := report.Senders[sender]
		if !ok {
			stats = &SenderStats{Sender: sender}
			report.Senders[sender] = stats
		}
		stats.Messages++

		for _, err := range parsed.Attachments(id) {
			if err == nil {
				stats.Attachments++
			}
		}
		if body, ok := parsed.HTMLBody(); ok {
			urls, err := extractor.Extract(body)
			if err != nil {
				logger.Debug("link extraction failed", "messageID", id, "err", err)
			}
			stats.Links += len(urls)
		}
	}

	return report, nil
}

func senderOf(m *message.Message) string {
	addrs, err := m.Header.AddressList("From")
	if err == nil && len(addrs) > 0 {
		return strings.ToLower(addrs[0].Address)
	}
	if from := strings.TrimSpace(m.Header.Get("From")); from != "" {
		return from
	}
	return "(unknown)"
}

func printScanReport(report ScanReport, topN int) {
	pterm.Println()
	pterm.Info.Printf("Messages: %d (filtered %d, unreadable %d)\n", report.Messages, report.Filtered, report.Unreadable)

	data := pterm.TableData{{"Sender", "Messages", "Attachments", "Links"}}
	for _, s := range report.Top(topN) {
		data = append(data, []string{s.Sender, strconv.Itoa(s.Messages), strconv.Itoa(s.Attachments), strconv.Itoa(s.Links)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func saveCSVReport(report ScanReport, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, "report_senders.csv")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Sender", "Messages", "Attachments", "Links"}); err != nil {
		return "", err
	}
	for _, s := range report.Top(0) {
		record := []string{s.Sender, strconv.Itoa(s.Messages), strconv.Itoa(s.Attachments), strconv.Itoa(s.Links)}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return path, file.Close()
}
