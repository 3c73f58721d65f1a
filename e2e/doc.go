// Package e2e boots a real Yocto image under QEMU and checks what memfaultd
// uploads to a Memfault project. The tests need a build and project
// credentials:
//
//	BUILDDIR=... MACHINE=qemuarm64 \
//	MEMFAULT_E2E_API_BASE_URL=... MEMFAULT_E2E_ORGANIZATION_SLUG=... \
//	MEMFAULT_E2E_PROJECT_SLUG=... MEMFAULT_E2E_ORG_TOKEN=... \
//	go test -tags e2e ./e2e/
//
// Every test boots its own copy of the image. The image's
// memfault-device-info must derive the device id from state created on
// first boot, so each copy shows up as a new device with no history.
package e2e
