/*Package interval implements interval-union operations on sets of genomic
  coordinates represented by BED files, such as excluded regions and filtered
  sites.
  Overlapping and touching intervals are merged, not tracked separately.
  Every position must fit in a PosType, which is int32 since that's what BAM
  files are limited to.
*/
package interval
