package imaging

// DefaultStorageSOPClasses are the storage SOP classes accepted without
// configuration.
var DefaultStorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",      // Computed Radiography
	"1.2.840.10008.5.1.4.1.1.1.1",    // Digital X-Ray (presentation)
	"1.2.840.10008.5.1.4.1.1.1.1.1",  // Digital X-Ray (processing)
	"1.2.840.10008.5.1.4.1.1.1.2",    // Digital Mammography (presentation)
	"1.2.840.10008.5.1.4.1.1.1.2.1",  // Digital Mammography (processing)
	"1.2.840.10008.5.1.4.1.1.1.3",    // Digital Intra-Oral X-Ray (presentation)
	"1.2.840.10008.5.1.4.1.1.2",      // CT
	"1.2.840.10008.5.1.4.1.1.2.1",    // Enhanced CT
	"1.2.840.10008.5.1.4.1.1.3.1",    // Ultrasound Multi-frame
	"1.2.840.10008.5.1.4.1.1.4",      // MR
	"1.2.840.10008.5.1.4.1.1.4.1",    // Enhanced MR
	"1.2.840.10008.5.1.4.1.1.6.1",    // Ultrasound
	"1.2.840.10008.5.1.4.1.1.7",      // Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.4",    // Multi-frame True Color Secondary Capture
	"1.2.840.10008.5.1.4.1.1.11.1",   // Grayscale Softcopy Presentation State
	"1.2.840.10008.5.1.4.1.1.12.1",   // X-Ray Angiographic
	"1.2.840.10008.5.1.4.1.1.12.2",   // X-Ray Radiofluoroscopic
	"1.2.840.10008.5.1.4.1.1.13.1.3", // Breast Tomosynthesis
	"1.2.840.10008.5.1.4.1.1.20",     // Nuclear Medicine
	"1.2.840.10008.5.1.4.1.1.88.11",  // Basic Text SR
	"1.2.840.10008.5.1.4.1.1.88.22",  // Enhanced SR
	"1.2.840.10008.5.1.4.1.1.88.33",  // Comprehensive SR
	"1.2.840.10008.5.1.4.1.1.104.1",  // Encapsulated PDF
	"1.2.840.10008.5.1.4.1.1.128",    // PET
	"1.2.840.10008.5.1.4.1.1.481.1",  // RT Image
	"1.2.840.10008.5.1.4.1.1.481.2",  // RT Dose
	"1.2.840.10008.5.1.4.1.1.481.3",  // RT Structure Set
	"1.2.840.10008.5.1.4.1.1.481.5",  // RT Plan
}

// SOPClasses is the set of storage SOP classes a receiver accepts.
type SOPClasses map[string]struct{}

// NewSOPClasses returns the default classes plus extra.
func NewSOPClasses(extra ...string) SOPClasses {
	set := make(SOPClasses, len(DefaultStorageSOPClasses)+len(extra))
	for _, uid := range DefaultStorageSOPClasses {
		set[uid] = struct{}{}
	}
	for _, uid := range extra {
		set[uid] = struct{}{}
	}
	return set
}

// Allows reports whether uid is accepted. A nil set accepts everything.
func (s SOPClasses) Allows(uid string) bool {
	if s == nil {
		return true
	}
	_, ok := s[uid]
	return ok
}
