package dicomio

import "strings"

// Transfer syntax UIDs.
const (
	ImplicitVRLittleEndian  = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian  = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLE    = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian     = "1.2.840.10008.1.2.2"
	JPEGBaseline            = "1.2.840.10008.1.2.4.50"
	JPEGExtended            = "1.2.840.10008.1.2.4.51"
	JPEGLossless            = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1         = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless          = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless      = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless        = "1.2.840.10008.1.2.4.90"
	JPEG2000                = "1.2.840.10008.1.2.4.91"
	RLELossless             = "1.2.840.10008.1.2.5"
	VerificationSOPClass    = "1.2.840.10008.1.1"
	ApplicationContextName  = "1.2.840.10008.3.1.1.1"
	CTImageStorage          = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage          = "1.2.840.10008.5.1.4.1.1.4"
	SecondaryCaptureStorage = "1.2.840.10008.5.1.4.1.1.7"

	storageSOPClassPrefix = "1.2.840.10008.5.1.4.1.1."
)

// ImplementationClassUID identifies files written by this listener.
const (
	ImplementationClassUID = "1.2.826.0.1.3680043.10.1457.1"
	ImplementationVersion  = "HEIMDALLR_1"
)

// IsStorageSOPClass reports whether uid names a composite storage SOP class.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, storageSOPClassPrefix) && len(uid) > len(storageSOPClassPrefix)
}

// StorageTransferSyntaxes lists the syntaxes accepted for storage contexts,
// in preference order. Compressed syntaxes are stored as received.
var StorageTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
	JPEGBaseline,
	JPEGExtended,
	JPEGLossless,
	JPEGLosslessSV1,
	JPEGLSLossless,
	JPEGLSNearLossless,
	JPEG2000Lossless,
	JPEG2000,
	RLELossless,
	DeflatedExplicitVRLE,
}

// VerificationTransferSyntaxes lists the syntaxes accepted for C-ECHO.
var VerificationTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}
