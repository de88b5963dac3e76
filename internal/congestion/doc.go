// Package congestion holds the pure scoring and classification rules for
// intersection traffic: the Traffic Congestion Index (TCI), its severity
// buckets, the time-of-day buckets, and the signal-timing table derived from
// the same thresholds.
//
// Every function in this package is total over its input domain. Bad input
// degrades to a neutral value instead of returning an error, so one malformed
// reading never aborts a batch.
package congestion
