package resource

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/memutils"
)

// SubresourceState is the layout and owning queue family of one (array layer, mip level) pair
type SubresourceState struct {
	Layout      core1_0.ImageLayout
	QueueFamily int
}

// subresourceStates is a flat layer-major table with one entry per subresource
type subresourceStates struct {
	layers  int
	mips    int
	entries []SubresourceState
}

func newSubresourceStates(layers, mips int) subresourceStates {
	entries := make([]SubresourceState, layers*mips)
	for i := range entries {
		entries[i] = SubresourceState{
			Layout:      core1_0.ImageLayoutUndefined,
			QueueFamily: device.QueueFamilyIgnored,
		}
	}

	return subresourceStates{layers: layers, mips: mips, entries: entries}
}

// at is the only place the table is indexed
func (s *subresourceStates) at(layer, mip int) (*SubresourceState, error) {
	inRange := layer >= 0 && layer < s.layers && mip >= 0 && mip < s.mips
	memutils.DebugAssert(inRange, "subresource (layer %d, mip %d) is outside of an image with %d layers and %d mips", layer, mip, s.layers, s.mips)
	if !inRange {
		return nil, validationError(ErrSubresourceOutOfRange, "layer %d, mip %d of an image with %d layers and %d mips", layer, mip, s.layers, s.mips)
	}

	return &s.entries[layer*s.mips+mip], nil
}

// checkRange verifies that every subresource in rng exists
func (s *subresourceStates) checkRange(rng core1_0.ImageSubresourceRange) error {
	if rng.LayerCount <= 0 || rng.LevelCount <= 0 {
		return validationError(ErrSubresourceOutOfRange, "range with %d layers and %d mips is empty", rng.LayerCount, rng.LevelCount)
	}

	_, err := s.at(rng.BaseArrayLayer, rng.BaseMipLevel)
	if err != nil {
		return err
	}
	_, err = s.at(rng.BaseArrayLayer+rng.LayerCount-1, rng.BaseMipLevel+rng.LevelCount-1)
	return err
}
