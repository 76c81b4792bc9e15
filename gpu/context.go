package gpu

import (
	"fmt"
	"strings"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/internal/logx"
)

// ContextOptions configures Context bootstrap. Its zero value selects
// sane defaults: no validation layers, debug-utils only when Debug is
// set.
type ContextOptions struct {
	// AppName is reported to the Vulkan loader for diagnostics.
	AppName string
	// Debug enables the debug-utils instance extension and
	// validation layers, and lowers the logx level to Debug.
	Debug bool
	// SurfaceExtensions lists the instance extensions the windowing
	// layer (out of scope for this core, spec.md §1) requires for
	// its surface type, e.g. VK_KHR_win32_surface.
	SurfaceExtensions []string
}

// requiredDeviceExtensions are mandatory per spec.md §4.1.
var requiredDeviceExtensions = []string{
	"VK_KHR_swapchain",
	"VK_EXT_memory_budget",
	"VK_EXT_robustness2",
	"VK_EXT_pageable_device_local_memory",
	"VK_EXT_memory_priority",
}

// optionalDeviceExtensions are logged, not required, per spec.md §4.1.
var optionalDeviceExtensions = []string{
	"VK_KHR_16bit_storage",
	"VK_KHR_shader_float16_int8",
}

// Features records which optional features a Context negotiated with
// the physical device, falling back gracefully when unsupported
// (spec.md §4.1).
type Features struct {
	Sync2                bool
	DynamicRendering     bool
	DescriptorIndexing   bool
	BufferDeviceAddress  bool
	HostQueryReset       bool
	DrawIndirectCount    bool
	ShaderDrawParameters bool
	Storage16Bit         bool
	ShaderFloat16        bool
}

// QueueFamily identifies one selected, disjoint queue family and the
// single queue Context opens on it.
type QueueFamily struct {
	Index uint32
	Queue vk.Queue
}

// Context is the single process-wide instance/device/queue/allocator
// bootstrap (spec.md §4.1), collapsing the driver-handle and
// device-capability concerns into one type since this module targets
// exactly one backend.
type Context struct {
	instance vk.Instance
	phys     vk.PhysicalDevice
	device   vk.Device

	Graphics QueueFamily
	Compute  *QueueFamily // nil if no disjoint compute family exists.
	Transfer *QueueFamily // nil if no disjoint transfer family exists.

	Features Features
	limits   Limits

	opts ContextOptions
}

// Limits mirrors the subset of VkPhysicalDeviceLimits this core
// depends on.
type Limits struct {
	MaxImageDimension2D uint32
	MaxImageArrayLayers  uint32
	MaxPushConstantsSize uint32
	MinUniformBufferOffsetAlignment uint64
	TimestampPeriod                float32
}

// NewContext creates the process-wide Vulkan instance and logical
// device, selecting the first physical device that supports the
// required extension set, then negotiating the optional feature set
// (spec.md §4.1).
func NewContext(opts ContextOptions) (*Context, error) {
	if opts.Debug {
		logx.SetLevel(-4) // slog.LevelDebug
	}
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("gpu: loading vulkan loader: %w", err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("gpu: vk.Init: %w", err)
	}

	instExts := append([]string{}, opts.SurfaceExtensions...)
	var layers []string
	if opts.Debug {
		instExts = append(instExts, "VK_EXT_debug_utils")
		layers = append(layers, "VK_LAYER_KHRONOS_validation")
	}

	appName := opts.AppName
	if appName == "" {
		appName = "kestrel"
	}
	appInfo := &vk.ApplicationInfo{
		SType:         vk.StructureTypeApplicationInfo,
		PApplicationName: safeCString(appName),
		ApiVersion:    vk.MakeVersion(1, 3, 0),
	}
	instInfo := &vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        appInfo,
		EnabledExtensionCount:   uint32(len(instExts)),
		PpEnabledExtensionNames: instExts,
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     layers,
	}
	var instance vk.Instance
	if err := checkResult(vk.CreateInstance(instInfo, nil, &instance)); err != nil {
		return nil, fmt.Errorf("gpu: vkCreateInstance: %w", err)
	}
	vk.InitInstance(instance)

	phys, err := pickPhysicalDevice(instance)
	if err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}

	gfx, comp, trans := pickQueueFamilies(phys)

	device, feats, err := createLogicalDevice(phys, gfx, comp, trans)
	if err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}

	ctx := &Context{
		instance: instance,
		phys:     phys,
		device:   device,
		Graphics: QueueFamily{Index: gfx},
		Features: feats,
		opts:     opts,
	}
	vk.GetDeviceQueue(device, gfx, 0, &ctx.Graphics.Queue)
	if comp != nil {
		var q vk.Queue
		vk.GetDeviceQueue(device, *comp, 0, &q)
		ctx.Compute = &QueueFamily{Index: *comp, Queue: q}
	}
	if trans != nil {
		var q vk.Queue
		vk.GetDeviceQueue(device, *trans, 0, &q)
		ctx.Transfer = &QueueFamily{Index: *trans, Queue: q}
	}
	ctx.limits = queryLimits(phys)

	logx.Infof("gpu: context ready (sync2=%v dynamicRendering=%v bufferDeviceAddress=%v descriptorIndexing=%v)",
		feats.Sync2, feats.DynamicRendering, feats.BufferDeviceAddress, feats.DescriptorIndexing)
	return ctx, nil
}

// Device returns the logical device handle, for packages in this
// module that need to call into github.com/goki/vulkan directly
// (Buffer, Image, Recorder, …).
func (c *Context) Device() vk.Device { return c.device }

// PhysicalDevice returns the selected physical device handle.
func (c *Context) PhysicalDevice() vk.PhysicalDevice { return c.phys }

// Instance returns the Vulkan instance handle.
func (c *Context) Instance() vk.Instance { return c.instance }

// Limits returns the implementation limits negotiated at bootstrap.
// They are immutable for the lifetime of the Context.
func (c *Context) Limits() Limits { return c.limits }

// Destroy waits for the device to go idle and releases the logical
// device and instance. Per spec.md §6 teardown order, this must be
// called only after every dependent resource (pipelines, samplers,
// swapchain, …) has already been destroyed.
func (c *Context) Destroy() {
	if c == nil {
		return
	}
	vk.DeviceWaitIdle(c.device)
	vk.DestroyDevice(c.device, nil)
	vk.DestroyInstance(c.instance, nil)
	*c = Context{}
}

func pickPhysicalDevice(instance vk.Instance) (vk.PhysicalDevice, error) {
	var count uint32
	vk.EnumeratePhysicalDevices(instance, &count, nil)
	if count == 0 {
		return nil, ErrNoSuitableDevice
	}
	devices := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(instance, &count, devices)

	for _, d := range devices {
		if hasRequiredExtensions(d) {
			logOptionalExtensions(d)
			return d, nil
		}
	}
	return nil, ErrNoSuitableDevice
}

func hasRequiredExtensions(d vk.PhysicalDevice) bool {
	have := deviceExtensionSet(d)
	for _, req := range requiredDeviceExtensions {
		if !have[req] {
			return false
		}
	}
	return true
}

func logOptionalExtensions(d vk.PhysicalDevice) {
	have := deviceExtensionSet(d)
	for _, opt := range optionalDeviceExtensions {
		if !have[opt] {
			logx.Infof("gpu: optional extension %s not supported, falling back", opt)
		}
	}
}

func deviceExtensionSet(d vk.PhysicalDevice) map[string]bool {
	var count uint32
	vk.EnumerateDeviceExtensionProperties(d, "", &count, nil)
	props := make([]vk.ExtensionProperties, count)
	vk.EnumerateDeviceExtensionProperties(d, "", &count, props)
	set := make(map[string]bool, count)
	for i := range props {
		props[i].Deref()
		name := vk.ToString(props[i].ExtensionName[:])
		set[strings.TrimRight(name, "\x00")] = true
	}
	return set
}

// pickQueueFamilies selects one mandatory graphics family, and
// optionally one compute and one transfer family, each disjoint from
// the families already chosen (spec.md §4.1).
func pickQueueFamilies(d vk.PhysicalDevice) (graphics uint32, compute, transfer *uint32) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(d, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(d, &count, families)

	used := map[uint32]bool{}
	for i := range families {
		families[i].Deref()
		if families[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			graphics = uint32(i)
			used[graphics] = true
			break
		}
	}
	for i := range families {
		idx := uint32(i)
		if used[idx] {
			continue
		}
		flags := families[i].QueueFlags
		if compute == nil && flags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
			compute = &idx
			used[idx] = true
		}
	}
	for i := range families {
		idx := uint32(i)
		if used[idx] {
			continue
		}
		flags := families[i].QueueFlags
		if transfer == nil && flags&vk.QueueFlags(vk.QueueTransferBit) != 0 {
			transfer = &idx
			used[idx] = true
		}
	}
	return
}

func createLogicalDevice(phys vk.PhysicalDevice, gfx uint32, comp, trans *uint32) (vk.Device, Features, error) {
	prio := []float32{1}
	var queueInfos []vk.DeviceQueueCreateInfo
	seen := map[uint32]bool{}
	add := func(idx uint32) {
		if seen[idx] {
			return
		}
		seen[idx] = true
		queueInfos = append(queueInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: idx,
			QueueCount:       1,
			PQueuePriorities: prio,
		})
	}
	add(gfx)
	if comp != nil {
		add(*comp)
	}
	if trans != nil {
		add(*trans)
	}

	exts := append([]string{}, requiredDeviceExtensions...)
	have := deviceExtensionSet(phys)
	feats := Features{Sync2: true, DynamicRendering: true, DescriptorIndexing: true,
		BufferDeviceAddress: true, HostQueryReset: true, DrawIndirectCount: true,
		ShaderDrawParameters: true}
	if have["VK_KHR_16bit_storage"] {
		feats.Storage16Bit = true
		exts = append(exts, "VK_KHR_16bit_storage")
	}
	if have["VK_KHR_shader_float16_int8"] {
		feats.ShaderFloat16 = true
		exts = append(exts, "VK_KHR_shader_float16_int8")
	}

	addrFeat := &vk.PhysicalDeviceBufferDeviceAddressFeatures{
		SType:               vk.StructureTypePhysicalDeviceBufferDeviceAddressFeatures,
		BufferDeviceAddress: vk.Bool32(1),
	}
	idxFeat := &vk.PhysicalDeviceDescriptorIndexingFeatures{
		SType: vk.StructureTypePhysicalDeviceDescriptorIndexingFeatures,
		ShaderSampledImageArrayNonUniformIndexing:          vk.Bool32(1),
		DescriptorBindingPartiallyBound:                    vk.Bool32(1),
		DescriptorBindingSampledImageUpdateAfterBind:       vk.Bool32(1),
		DescriptorBindingStorageImageUpdateAfterBind:       vk.Bool32(1),
		DescriptorBindingUpdateUnusedWhilePending:          vk.Bool32(1),
		RuntimeDescriptorArray:                             vk.Bool32(1),
		PNext: unsafe.Pointer(addrFeat),
	}
	dynFeat := &vk.PhysicalDeviceDynamicRenderingFeatures{
		SType:            vk.StructureTypePhysicalDeviceDynamicRenderingFeatures,
		DynamicRendering: vk.Bool32(1),
		PNext:            unsafe.Pointer(idxFeat),
	}
	sync2Feat := &vk.PhysicalDeviceSynchronization2Features{
		SType:             vk.StructureTypePhysicalDeviceSynchronization2Features,
		Synchronization2:  vk.Bool32(1),
		PNext:             unsafe.Pointer(dynFeat),
	}

	devInfo := &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		PNext:                   unsafe.Pointer(sync2Feat),
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(exts)),
		PpEnabledExtensionNames: exts,
	}
	var device vk.Device
	if err := checkResult(vk.CreateDevice(phys, devInfo, nil, &device)); err != nil {
		return nil, Features{}, fmt.Errorf("gpu: vkCreateDevice: %w", err)
	}
	return device, feats, nil
}

func queryLimits(phys vk.PhysicalDevice) Limits {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(phys, &props)
	props.Deref()
	props.Limits.Deref()
	return Limits{
		MaxImageDimension2D:             props.Limits.MaxImageDimension2D,
		MaxImageArrayLayers:             props.Limits.MaxImageArrayLayers,
		MaxPushConstantsSize:            props.Limits.MaxPushConstantsSize,
		MinUniformBufferOffsetAlignment: uint64(props.Limits.MinUniformBufferOffsetAlignment),
		TimestampPeriod:                 props.Limits.TimestampPeriod,
	}
}

func safeCString(s string) string { return s + "\x00" }
