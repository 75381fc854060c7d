package poll

import (
	"fmt"
	"sort"
)

// Policy controls how the factory merges channel groups into queries.
type Policy int

const (
	// Minify merges as aggressively as the protocol and device limits
	// allow; the same block may then appear in more than one query and
	// be read more than once per cycle. Correctness over minimality.
	Minify Policy = iota
	// NoDuplicates merges only groups with identical block sets, so no
	// block is ever transported twice in one cycle.
	NoDuplicates
)

// group is one candidate query during planning: a sorted, unique block
// set and the channels it serves.
type group struct {
	blocks   []*MemoryBlock
	channels []*VirtualRegister
}

func (g *group) first() *MemoryBlock { return g.blocks[0] }
func (g *group) last() *MemoryBlock  { return g.blocks[len(g.blocks)-1] }

// insert merges another group's blocks, keeping order and uniqueness.
func (g *group) insert(o *group) {
	for _, b := range o.blocks {
		i := sort.Search(len(g.blocks), func(i int) bool { return !g.blocks[i].less(b) })
		if i < len(g.blocks) && g.blocks[i].equal(b) {
			continue
		}
		g.blocks = append(g.blocks, nil)
		copy(g.blocks[i+1:], g.blocks[i:])
		g.blocks[i] = b
	}
	g.channels = append(g.channels, o.channels...)
}

func (g *group) sameBlocks(o *group) bool {
	if len(g.blocks) != len(o.blocks) {
		return false
	}
	for i := range g.blocks {
		if !g.blocks[i].equal(o.blocks[i]) {
			return false
		}
	}
	return true
}

// typeLimits resolves the planning limits for one block type:
// the maximum hole and the maximum transported block count.
type typeLimits func(t MemoryBlockType) (maxHole, maxRegs int)

// makeTypeLimits gathers device config and protocol limits the way one
// query set is planned: holes only under Minify, device read limit
// capping the protocol read maximum, write limits purely protocol's.
func makeTypeLimits(dev *Device, op Operation, policy Policy) typeLimits {
	cfg := dev.Config
	info := dev.Protocol().Info()

	return func(t MemoryBlockType) (int, int) {
		singleBit := info.IsSingleBitType(t)

		maxHole := 0
		if policy == Minify {
			if singleBit {
				maxHole = cfg.MaxBitHole
			} else {
				maxHole = cfg.MaxRegHole
			}
		}

		var maxRegs int
		if op == OperationRead {
			if singleBit {
				maxRegs = info.MaxReadBits()
			} else {
				maxRegs = info.MaxReadRegisters()
			}
			if cfg.MaxReadRegisters > 0 && cfg.MaxReadRegisters < maxRegs {
				maxRegs = cfg.MaxReadRegisters
			}
		} else {
			if singleBit {
				maxRegs = info.MaxWriteBits()
			} else {
				maxRegs = info.MaxWriteRegisters()
			}
		}

		return maxHole, maxRegs
	}
}

// maxHoleSize measures the largest gap between consecutive created
// blocks of the device inside [first, last]. The lookup runs over the
// device's arena rather than one group's own set, so blocks created
// for other channels narrow the hole.
func maxHoleSize(dev *Device, first, last *MemoryBlock) int {
	hole := 0
	prev := -1
	for _, b := range dev.BlockRange(first.Type.Index, first.Address, last.Address) {
		if prev >= 0 {
			if gap := int(b.Address) - prev - 1; gap > hole {
				hole = gap
			}
		}
		prev = int(b.Address)
	}
	return hole
}

// GenerateQuerySets partitions channels by poll interval (preserving
// first-occurrence order) and produces one query set per class.
func GenerateQuerySets(channels []*VirtualRegister, op Operation) ([]*QuerySet, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrInvalidQueryConfiguration)
	}

	var sets []*QuerySet
	index := map[int64]*QuerySet{}

	for _, ch := range channels {
		key := int64(ch.PollInterval)
		if index[key] == nil {
			set := &QuerySet{PollInterval: ch.PollInterval}
			index[key] = set
			sets = append(sets, set)
		}
	}

	for _, set := range sets {
		var class []*VirtualRegister
		for _, ch := range channels {
			if ch.PollInterval == set.PollInterval {
				class = append(class, ch)
			}
		}
		queries, err := GenerateQueries(class, op, Minify)
		if err != nil {
			return nil, err
		}
		set.Queries = queries
	}

	return sets, nil
}

// GenerateQueries groups channels into bulk queries for one operation:
// each channel seeds a group from its memory blocks, groups merge under
// the policy's condition, and every surviving group is validated and
// emitted as one query.
func GenerateQueries(channels []*VirtualRegister, op Operation, policy Policy) ([]*Query, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrInvalidQueryConfiguration)
	}

	dev := channels[0].Device()
	groups := make([]*group, 0, len(channels))
	for _, ch := range channels {
		if ch.Device() != dev {
			return nil, fmt.Errorf("%w: channels of different devices in one plan",
				ErrInvalidQueryConfiguration)
		}
		seed := &group{channels: []*VirtualRegister{ch}}
		seed.blocks = append(seed.blocks, ch.Blocks()...)
		groups = append(groups, seed)
	}

	limits := makeTypeLimits(dev, op, policy)

	if err := checkGroups(dev, groups, limits); err != nil {
		return nil, err
	}
	groups = mergeGroups(dev, groups, limits, policy)
	if err := checkGroups(dev, groups, limits); err != nil {
		return nil, err
	}

	queries := make([]*Query, 0, len(groups))
	for _, g := range groups {
		queries = append(queries, newQuery(op, g.blocks, g.channels))
	}
	return queries, nil
}

// canMerge is the Minify condition: same type, same size, and the
// merged span stays within the hole and count limits.
func canMerge(dev *Device, a, b *group, limits typeLimits) bool {
	if a.first().Type.Index != b.first().Type.Index {
		return false
	}
	if a.first().Size != b.first().Size {
		return false
	}

	first, last := a.first(), a.last()
	if b.first().less(first) {
		first = b.first()
	}
	if last.less(b.last()) {
		last = b.last()
	}

	maxHole, maxRegs := limits(a.first().Type)

	if maxHoleSize(dev, first, last) > maxHole {
		return false
	}
	return int(last.Address-first.Address)+1 <= maxRegs
}

// mergeGroups runs the O(N²) sweep: every group tries to absorb every
// later group; groups that were seeded together never split.
func mergeGroups(dev *Device, groups []*group, limits typeLimits, policy Policy) []*group {
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); {
			var ok bool
			if policy == NoDuplicates {
				ok = groups[i].sameBlocks(groups[j])
			} else {
				ok = canMerge(dev, groups[i], groups[j], limits)
			}

			if !ok {
				j++
				continue
			}

			groups[i].insert(groups[j])
			groups = append(groups[:j], groups[j+1:]...)
		}
	}
	return groups
}

// checkGroups re-validates every group against the limits and rejects
// mixed types or sizes.
func checkGroups(dev *Device, groups []*group, limits typeLimits) error {
	for _, g := range groups {
		t := g.first().Type
		size := g.first().Size

		for _, b := range g.blocks {
			if b.Type.Index != t.Index {
				return fmt.Errorf("%w: mixed block types %v and %v in one set",
					ErrInvalidQueryConfiguration, t.Name, b.Type.Name)
			}
			if b.Size != size {
				return fmt.Errorf("%w: mixed block sizes %d and %d in one set",
					ErrInvalidQueryConfiguration, size, b.Size)
			}
		}

		maxHole, maxRegs := limits(t)

		if hole := maxHoleSize(dev, g.first(), g.last()); hole > maxHole {
			return fmt.Errorf("%w: hole of %d blocks exceeds maximum %d",
				ErrInvalidQueryConfiguration, hole, maxHole)
		}
		if count := int(g.last().Address-g.first().Address) + 1; count > maxRegs {
			return fmt.Errorf("%w: %d blocks exceed maximum %d",
				ErrInvalidQueryConfiguration, count, maxRegs)
		}
	}
	return nil
}
