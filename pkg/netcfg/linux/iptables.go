package linux

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/yago-123/dapn/pkg/netcfg"
)

const (
	tableNAT    = "nat"
	tableFilter = "filter"

	chainPrefix = "DAPN-"
)

// ruleChain is the per interface chain a rule lives in, together with the builtin chain jumping to it
type ruleChain struct {
	table   string
	builtin string
	chain   string
}

// chainsFor returns every chain owned by the interface. Each interface gets its own chains so that
// teardown can drop them wholesale
func chainsFor(link string) []ruleChain {
	return []ruleChain{
		{table: tableNAT, builtin: "POSTROUTING", chain: chainPrefix + "POST-" + link},
		{table: tableNAT, builtin: "PREROUTING", chain: chainPrefix + "PRE-" + link},
		{table: tableFilter, builtin: "FORWARD", chain: chainPrefix + "FWD-" + link},
	}
}

func ruleSpec(rule netcfg.Rule) (ruleChain, []string, error) {
	chains := chainsFor(rule.Link)

	switch rule.Kind {
	case netcfg.Masquerade:
		return chains[0], []string{"-o", rule.Link, "-j", "MASQUERADE"}, nil
	case netcfg.DNAT:
		if !rule.Destination.IsValid() || rule.Port == 0 {
			return ruleChain{}, nil, fmt.Errorf("invalid DNAT rule %s", rule)
		}
		return chains[1], []string{
			"-p", "tcp", "--dport", strconv.Itoa(int(rule.Port)),
			"-j", "DNAT", "--to-destination", rule.Destination.String(),
		}, nil
	case netcfg.AcceptEstablished:
		return chains[2], []string{
			"-i", rule.Link, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT",
		}, nil
	case netcfg.AcceptForward:
		return chains[2], []string{"-o", rule.Link, "-j", "ACCEPT"}, nil
	default:
		return ruleChain{}, nil, fmt.Errorf("unsupported rule kind %s", rule.Kind)
	}
}

func (b *Backend) AppendRule(ctx context.Context, rule netcfg.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rc, spec, err := ruleSpec(rule)
	if err != nil {
		return err
	}

	if errChain := b.ensureChain(rc); errChain != nil {
		return errChain
	}

	if errAppend := b.ipt.AppendUnique(rc.table, rc.chain, spec...); errAppend != nil {
		return fmt.Errorf("failed to append %s: %w", rule, errAppend)
	}

	b.logger.V(1).Info("Installed rule", "rule", rule.String())
	return nil
}

func (b *Backend) DeleteRule(ctx context.Context, rule netcfg.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rc, spec, err := ruleSpec(rule)
	if err != nil {
		return err
	}

	exists, err := b.ipt.ChainExists(rc.table, rc.chain)
	if err != nil {
		return fmt.Errorf("failed to check chain %s: %w", rc.chain, err)
	}
	if !exists {
		return nil
	}

	if errDel := b.ipt.DeleteIfExists(rc.table, rc.chain, spec...); errDel != nil {
		return fmt.Errorf("failed to delete %s: %w", rule, errDel)
	}

	return nil
}

// FlushRules unhooks and deletes every chain owned by the interface. All chains are attempted
// even if one of them fails
func (b *Backend) FlushRules(ctx context.Context, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	for _, rc := range chainsFor(link) {
		exists, err := b.ipt.ChainExists(rc.table, rc.chain)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to check chain %s: %w", rc.chain, err))
			continue
		}
		if !exists {
			continue
		}

		if errJump := b.ipt.DeleteIfExists(rc.table, rc.builtin, "-j", rc.chain); errJump != nil {
			errs = append(errs, fmt.Errorf("failed to unhook chain %s: %w", rc.chain, errJump))
			continue
		}

		if errClear := b.ipt.ClearAndDeleteChain(rc.table, rc.chain); errClear != nil {
			errs = append(errs, fmt.Errorf("failed to delete chain %s: %w", rc.chain, errClear))
		}
	}

	return errors.Join(errs...)
}

// ensureChain creates the per interface chain and hooks it into its builtin chain
func (b *Backend) ensureChain(rc ruleChain) error {
	exists, err := b.ipt.ChainExists(rc.table, rc.chain)
	if err != nil {
		return fmt.Errorf("failed to check chain %s: %w", rc.chain, err)
	}

	if !exists {
		if errNew := b.ipt.NewChain(rc.table, rc.chain); errNew != nil {
			return fmt.Errorf("failed to create chain %s: %w", rc.chain, errNew)
		}
	}

	if errJump := b.ipt.AppendUnique(rc.table, rc.builtin, "-j", rc.chain); errJump != nil {
		return fmt.Errorf("failed to hook chain %s into %s: %w", rc.chain, rc.builtin, errJump)
	}

	return nil
}
