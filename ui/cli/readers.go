// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/calypsonet/legacyhsm/internal/apdu"
	"github.com/calypsonet/legacyhsm/internal/hsm"
	"github.com/calypsonet/legacyhsm/internal/i18n"
	"github.com/calypsonet/legacyhsm/internal/legacyhsm"
	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/samsession"
	"github.com/calypsonet/legacyhsm/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// clipboardWrite is replaced in tests; headless runners have no clipboard.
var clipboardWrite = clipboard.WriteAll

// probeConcurrency bounds the readers allocated at once by probe.
const probeConcurrency = 4

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show HSM modules and their keys",
		Long:  `Initializes the HSM, prints every module with its key table and frees it again.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := newSystem()
			if err != nil {
				return err
			}
			if err := sys.Initialize(); err != nil {
				return errors.New(i18n.T("hsm.error_open", err))
			}
			defer func() {
				if err := sys.Free(); err != nil {
					logging.Warnf("could not free HSM: %v", err)
				}
			}()
			return printModules(cmd, sys)
		},
	}
}

func printModules(cmd *cobra.Command, sys hsm.System) error {
	out := cmd.OutOrStdout()
	modules, err := sys.Modules()
	if err != nil {
		return err
	}
	if len(modules) == 0 {
		fmt.Fprintln(out, i18n.T("info.no_modules"))
		return nil
	}
	for _, m := range modules {
		info, err := m.Info()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, i18n.T("info.module", fmt.Sprintf("%08X", info.SerialNumber), info.Version, info.ChannelsTotal))
		fmt.Fprintf(out, "  ATR: %s\n", apdu.ToHex(legacyhsm.BuildATR(*info)))
		keys, err := m.Keys()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hsm.DumpKeyHeader("  "))
		for _, k := range keys {
			fmt.Fprintln(out, k.Dump("  "))
		}
	}
	return nil
}

func newGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List reader group references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, pp, err := openPool()
			if err != nil {
				return err
			}
			defer svc.Close()

			out := cmd.OutOrStdout()
			groups := pp.ReaderGroupReferences()
			if len(groups) == 0 {
				fmt.Fprintln(out, i18n.T("groups.none"))
				return nil
			}
			for _, g := range groups {
				fmt.Fprintln(out, i18n.T("groups.entry", g, moduleCount(pp, g)))
			}
			return nil
		},
	}
}

// moduleCount returns the number of modules serving group, or 0 when the
// plugin behind pp is not the HSM plugin.
func moduleCount(pp *service.PoolPlugin, group string) int {
	p, ok := pp.SPI().(*legacyhsm.Plugin)
	if !ok {
		return 0
	}
	n, err := legacyhsm.ParseGroupReference(group)
	if err != nil {
		return 0
	}
	return len(p.Modules(n))
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Allocate one reader per group and print its power-on data",
		Long: `Allocates a reader in every reader group concurrently, prints the
synthesized ATR and releases the reader again. Each allocation is recorded
in the audit database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, pp, err := openPool()
			if err != nil {
				return err
			}
			defer svc.Close()

			groups := pp.ReaderGroupReferences()
			results := make(map[string]string, len(groups))
			var mu sync.Mutex

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(probeConcurrency)
			for _, group := range groups {
				g.Go(func() error {
					return withReader(ctx, pp, group, "probe", func(r *service.Reader) error {
						present, err := r.IsCardPresent()
						if err != nil {
							return err
						}
						line := i18n.T("probe.absent")
						if present {
							line = r.PowerOnData()
						}
						mu.Lock()
						results[group] = fmt.Sprintf("%s  %s", r.Name(), line)
						mu.Unlock()
						return nil
					})
				})
			}
			if err := g.Wait(); err != nil {
				return errors.New(i18n.T("probe.error", err))
			}

			sort.Strings(groups)
			out := cmd.OutOrStdout()
			for _, group := range groups {
				fmt.Fprintf(out, "%-6s %s\n", group, results[group])
			}
			return nil
		},
	}
}

func newExchangeCmd() *cobra.Command {
	var group string
	var commands []string
	var copyOut bool

	cmd := &cobra.Command{
		Use:   "exchange --group <ref> --apdu <hex> [--apdu <hex>...]",
		Short: "Send APDUs to a reader of a group",
		Long: `Allocates a reader of the given group, sends each APDU in order and prints
the responses. GET RESPONSE and wrong-Le retries are handled transparently.`,
		Example: `  legacyhsm exchange --group 1 --apdu 80CA00A000`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(commands) == 0 {
				return errors.New(i18n.T("exchange.error_no_apdu"))
			}
			parsed := make([]apdu.Command, 0, len(commands))
			for _, c := range commands {
				raw, err := apdu.FromHex(c)
				if err != nil {
					return errors.New(i18n.T("exchange.error_parse", c, err))
				}
				ac, err := apdu.ParseCommand(raw)
				if err != nil {
					return errors.New(i18n.T("exchange.error_parse", c, err))
				}
				parsed = append(parsed, ac)
			}

			svc, pp, err := openPool()
			if err != nil {
				return err
			}
			defer svc.Close()

			var transcript []string
			err = withReader(cmd.Context(), pp, group, "exchange", func(r *service.Reader) error {
				for _, c := range parsed {
					resp, err := r.Transmit(cmd.Context(), c)
					if err != nil {
						return err
					}
					transcript = append(transcript, fmt.Sprintf("-> %s\n<- %s", c, resp))
				}
				return nil
			})
			if err != nil {
				return err
			}

			text := strings.Join(transcript, "\n")
			fmt.Fprintln(cmd.OutOrStdout(), text)
			if err := appStore.LogAction(cmd.Context(), "EXCHANGE", fmt.Sprintf("group: %s, apdus: %d", group, len(parsed))); err != nil {
				logging.Warnf("could not write audit log: %v", err)
			}
			if copyOut {
				if err := clipboardWrite(text); err != nil {
					return errors.New(i18n.T("exchange.error_clipboard", err))
				}
				fmt.Fprintln(cmd.ErrOrStderr(), i18n.T("exchange.copied"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "Reader group reference")
	cmd.Flags().StringArrayVar(&commands, "apdu", nil, "APDU in hex, repeatable")
	cmd.Flags().BoolVar(&copyOut, "copy", false, "Copy the transcript to the clipboard")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func newCertifyCmd() *cobra.Command {
	var profile, diversifier string
	var records []string
	var kif, kvc uint8

	cmd := &cobra.Command{
		Use:   "certify --profile <name> --diversifier <hex> --record <hex>...",
		Short: "Sign records with a SAM obtained from the card resource service",
		Long: `Obtains a card resource for the profile, runs a digest session over the
records and prints the challenge and signature. The signature is then
verified by the same SAM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			div, err := apdu.FromHex(diversifier)
			if err != nil {
				return errors.New(i18n.T("certify.error_hex", "diversifier", err))
			}
			req := samsession.Request{Diversifier: div, KIF: kif, KVC: kvc}
			for _, rec := range records {
				b, err := apdu.FromHex(rec)
				if err != nil {
					return errors.New(i18n.T("certify.error_hex", "record", err))
				}
				req.Records = append(req.Records, b)
			}

			svc, pp, err := openPool()
			if err != nil {
				return err
			}
			defer svc.Close()

			rs, err := newResourceService(pp)
			if err != nil {
				return err
			}
			defer rs.Stop()

			res, err := rs.GetCardResource(cmd.Context(), profile)
			if err != nil {
				return errors.New(i18n.T("certify.error_resource", profile, err))
			}
			result, err := certify(cmd.Context(), res.Reader, req)
			if relErr := rs.ReleaseCardResource(res); relErr != nil {
				logging.Warnf("could not release card resource %s: %v", res.ID, relErr)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, i18n.T("certify.reader", res.Reader.Name()))
			fmt.Fprintln(out, i18n.T("certify.challenge", apdu.ToHex(result.Challenge)))
			fmt.Fprintln(out, i18n.T("certify.signature", apdu.ToHex(result.Signature)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&profile, "profile", "p", "SAM C1", "Card resource profile")
	cmd.Flags().StringVar(&diversifier, "diversifier", "", "Card serial number used as diversifier (hex)")
	cmd.Flags().StringArrayVar(&records, "record", nil, "Record to sign (hex), repeatable")
	cmd.Flags().Uint8Var(&kif, "kif", 0x21, "Key identifier")
	cmd.Flags().Uint8Var(&kvc, "kvc", 0x79, "Key version")
	_ = cmd.MarkFlagRequired("diversifier")
	return cmd
}

func certify(ctx context.Context, r *service.Reader, req samsession.Request) (*samsession.Result, error) {
	result, err := samsession.Certify(ctx, r, req)
	if err != nil {
		return nil, err
	}
	if err := samsession.Verify(ctx, r, result.Signature); err != nil {
		return nil, err
	}
	return result, nil
}
