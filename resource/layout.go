package resource

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

type layoutAccess struct {
	access core1_0.AccessFlags
	stages core1_0.PipelineStageFlags
}

var shaderStages = core1_0.PipelineStageVertexShader | core1_0.PipelineStageFragmentShader | core1_0.PipelineStageComputeShader

// layoutAccessTable is used both ways: as the source scope when leaving a layout and as the
// destination scope when entering it
var layoutAccessTable = map[core1_0.ImageLayout]layoutAccess{
	core1_0.ImageLayoutUndefined: {
		stages: core1_0.PipelineStageTopOfPipe,
	},
	core1_0.ImageLayoutGeneral: {
		access: core1_0.AccessShaderRead | core1_0.AccessShaderWrite,
		stages: shaderStages,
	},
	core1_0.ImageLayoutColorAttachmentOptimal: {
		access: core1_0.AccessColorAttachmentRead | core1_0.AccessColorAttachmentWrite,
		stages: core1_0.PipelineStageColorAttachmentOutput,
	},
	core1_0.ImageLayoutDepthStencilAttachmentOptimal: {
		access: core1_0.AccessDepthStencilAttachmentRead | core1_0.AccessDepthStencilAttachmentWrite,
		stages: core1_0.PipelineStageEarlyFragmentTests | core1_0.PipelineStageLateFragmentTests,
	},
	core1_0.ImageLayoutDepthStencilReadOnlyOptimal: {
		access: core1_0.AccessDepthStencilAttachmentRead | core1_0.AccessShaderRead,
		stages: core1_0.PipelineStageEarlyFragmentTests | core1_0.PipelineStageFragmentShader,
	},
	core1_0.ImageLayoutShaderReadOnlyOptimal: {
		access: core1_0.AccessShaderRead,
		stages: shaderStages,
	},
	core1_0.ImageLayoutTransferSrcOptimal: {
		access: core1_0.AccessTransferRead,
		stages: core1_0.PipelineStageTransfer,
	},
	core1_0.ImageLayoutTransferDstOptimal: {
		access: core1_0.AccessTransferWrite,
		stages: core1_0.PipelineStageTransfer,
	},
	core1_0.ImageLayoutPreInitialized: {
		access: core1_0.AccessHostWrite,
		stages: core1_0.PipelineStageHost,
	},
	khr_swapchain.ImageLayoutPresentSrc: {
		stages: core1_0.PipelineStageBottomOfPipe,
	},
}

// srcScope is what must complete before a subresource may leave oldLayout
func srcScope(oldLayout, newLayout core1_0.ImageLayout) (layoutAccess, bool) {
	scope, ok := layoutAccessTable[oldLayout]
	if !ok {
		return layoutAccess{}, false
	}

	// Undefined straight to shader-read also waits on any host or transfer writes made before it
	if oldLayout == core1_0.ImageLayoutUndefined && newLayout == core1_0.ImageLayoutShaderReadOnlyOptimal {
		scope.access |= core1_0.AccessHostWrite | core1_0.AccessTransferWrite
		scope.stages |= core1_0.PipelineStageHost | core1_0.PipelineStageTransfer
	}

	return scope, true
}

// dstScope is what must wait for a subresource to reach newLayout. Undefined and preinitialized
// cannot be transitioned into.
func dstScope(newLayout core1_0.ImageLayout) (layoutAccess, bool) {
	if newLayout == core1_0.ImageLayoutUndefined || newLayout == core1_0.ImageLayoutPreInitialized {
		return layoutAccess{}, false
	}

	scope, ok := layoutAccessTable[newLayout]
	return scope, ok
}
