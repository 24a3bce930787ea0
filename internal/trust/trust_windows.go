//go:build windows

package trust

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modWintrust = windows.NewLazySystemDLL("wintrust.dll")
	modCrypt32  = windows.NewLazySystemDLL("crypt32.dll")

	procWinVerifyTrust                = modWintrust.NewProc("WinVerifyTrust")
	procWTHelperProvDataFromStateData = modWintrust.NewProc("WTHelperProvDataFromStateData")
	procWTHelperGetProvSignerFromChain = modWintrust.NewProc("WTHelperGetProvSignerFromChain")
	procWTHelperGetProvCertFromChain  = modWintrust.NewProc("WTHelperGetProvCertFromChain")
	procCertGetNameStringW            = modCrypt32.NewProc("CertGetNameStringW")
)

// WINTRUST_ACTION_GENERIC_VERIFY_V2 {00AAC56B-CD44-11d0-8CC2-00C04FC295EE}
var actionGenericVerifyV2 = windows.GUID{
	Data1: 0x00aac56b,
	Data2: 0xcd44,
	Data3: 0x11d0,
	Data4: [8]byte{0x8c, 0xc2, 0x00, 0xc0, 0x4f, 0xc2, 0x95, 0xee},
}

const (
	wtdUINone             = 2
	wtdRevokeNone         = 0
	wtdChoiceFile         = 1
	wtdStateActionVerify  = 1
	wtdStateActionClose   = 2
	wtdRevocationCheckNone = 0x10

	certNameSimpleDisplayType = 4
)

type wintrustFileInfo struct {
	cbStruct      uint32
	filePath      *uint16
	file          windows.Handle
	knownSubject  *windows.GUID
}

type wintrustData struct {
	cbStruct            uint32
	policyCallbackData  uintptr
	sipClientData       uintptr
	uiChoice            uint32
	revocationChecks    uint32
	unionChoice         uint32
	file                *wintrustFileInfo
	stateAction         uint32
	stateData           windows.Handle
	urlReference        *uint16
	provFlags           uint32
	uiContext           uint32
	signatureSettings   uintptr
}

type cryptProviderCert struct {
	cbStruct uint32
	cert     *windows.CertContext
	// remaining fields are not needed for signer-name extraction
}

// verifySigner validates the Authenticode signature of the file and
// returns the signer certificate's simple display name. ok is false
// when the file is unsigned or validation fails.
func verifySigner(path string) (name string, ok bool) {
	wpath, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return "", false
	}

	fileInfo := wintrustFileInfo{filePath: wpath}
	fileInfo.cbStruct = uint32(unsafe.Sizeof(fileInfo))

	wtd := wintrustData{
		uiChoice:         wtdUINone,
		revocationChecks: wtdRevokeNone,
		unionChoice:      wtdChoiceFile,
		file:             &fileInfo,
		stateAction:      wtdStateActionVerify,
		provFlags:        wtdRevocationCheckNone,
	}
	wtd.cbStruct = uint32(unsafe.Sizeof(wtd))

	status, _, _ := procWinVerifyTrust.Call(
		0,
		uintptr(unsafe.Pointer(&actionGenericVerifyV2)),
		uintptr(unsafe.Pointer(&wtd)),
	)
	defer func() {
		wtd.stateAction = wtdStateActionClose
		_, _, _ = procWinVerifyTrust.Call(
			0,
			uintptr(unsafe.Pointer(&actionGenericVerifyV2)),
			uintptr(unsafe.Pointer(&wtd)),
		)
	}()
	if status != 0 {
		return "", false
	}

	provData, _, _ := procWTHelperProvDataFromStateData.Call(uintptr(wtd.stateData))
	if provData == 0 {
		return "", false
	}
	signer, _, _ := procWTHelperGetProvSignerFromChain.Call(provData, 0, 0, 0)
	if signer == 0 {
		return "", false
	}
	certPtr, _, _ := procWTHelperGetProvCertFromChain.Call(signer, 0)
	if certPtr == 0 {
		return "", false
	}
	provCert := (*cryptProviderCert)(unsafe.Pointer(certPtr))
	if provCert.cert == nil {
		return "", false
	}

	buf := make([]uint16, 512)
	n, _, _ := procCertGetNameStringW.Call(
		uintptr(unsafe.Pointer(provCert.cert)),
		certNameSimpleDisplayType,
		0,
		0,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
	)
	if n <= 1 {
		return "", false
	}
	return windows.UTF16ToString(buf[:n-1]), true
}
