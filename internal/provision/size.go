package provision

// PerDeviceSize returns the size of each device when total is spread over count devices.
// The result is rounded up so that the devices add up to at least total.
func PerDeviceSize(total, count int64) int64 {
	if count <= 1 {
		return total
	}
	return (total + count - 1) / count
}

// ScaledTimeout returns the decommission timeout for count devices.
// Detaching striped volumes happens one by one, so the timeout grows with the device count.
func ScaledTimeout(base, count int64, striped bool) int64 {
	if !striped {
		return base
	}
	return base * count
}
