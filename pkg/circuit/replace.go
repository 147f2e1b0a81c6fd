package circuit

import (
	"context"
	"fmt"

	"shroudmesh/pkg/cerr"
	"shroudmesh/pkg/cryptoengine"
	"shroudmesh/pkg/peerlink"
)

// ReplaceHop resolves the Open Question on hop replacement (spec §9) by
// rebuilding the suffix from the replaced hop onward: the prefix before
// hopIndex is left untouched, but hopIndex and every hop after it get
// fresh candidates and fresh ephemeral keys, then are re-established
// sequentially. This is the "safe default" the spec calls out, since a
// single spliced-in replacement would otherwise need every subsequent
// hop to learn a new previous_hop_id it never agreed to.
func (b *Builder) ReplaceHop(ctx context.Context, c *Circuit, hopIndex int, exclude map[string]bool) error {
	c.mu.RLock()
	total := len(c.Hops)
	c.mu.RUnlock()
	if hopIndex < 0 || hopIndex >= total {
		return ErrHopOutOfRange
	}

	suffixLen := total - hopIndex
	newPeerIDs := b.reg.SuitableRelays(ctx, suffixLen, c.CircuitID, exclude)
	if len(newPeerIDs) < suffixLen {
		return cerr.New(cerr.KindInsufficientPeers, "no replacement available for hop suffix")
	}
	newKeys, err := cryptoengine.GenerateCircuitKeys(suffixLen)
	if err != nil {
		return fmt.Errorf("generate replacement ephemeral keys: %w", err)
	}

	c.mu.Lock()
	if len(c.links) < total {
		links := make([]peerlink.Transport, total)
		copy(links, c.links)
		c.links = links
	}
	if len(c.ephemeral) < total {
		keys := make([]cryptoengine.KeyPair, total)
		copy(keys, c.ephemeral)
		c.ephemeral = keys
	}
	for i := hopIndex; i < total; i++ {
		if c.links[i] != nil {
			c.links[i].Close()
			c.links[i] = nil
		}
	}
	for j, peerID := range newPeerIDs {
		i := hopIndex + j
		c.Hops[i] = Hop{PeerID: peerID, EphemeralPublic: newKeys[j].Public}
		c.ephemeral[i] = newKeys[j]
	}
	c.mu.Unlock()

	for i := hopIndex; i < total; i++ {
		if err := b.establishHop(ctx, c, i); err != nil {
			c.SetStatus(StatusFailed)
			return err
		}
	}
	c.SetStatus(StatusReady)
	return nil
}
