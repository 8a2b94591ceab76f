// Package imaging defines the boundary between the prepare-content core and
// the imaging network: the query/retrieve client used by retrieval workers,
// the store service the inbound server delivers objects to, and the header
// reader used to route inbound objects.
//
// The wire protocol lives behind these interfaces. Package dicomweb provides
// a binding over DICOMweb; tests substitute fakes.
package imaging
