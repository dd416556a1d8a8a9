// Package classbalance estimates the marginal class distribution P(Y) over K
// latent classes from the outputs of M weak, noisy labeling functions (LFs),
// without access to ground-truth labels.
//
// The estimator assumes the LFs are conditionally independent given the true
// class: their errors correlate only through Y. Under that assumption the
// joint co-occurrence probability of any three distinct LFs' outputs factors
// analytically through each LF's class-conditional confusion table and the
// class balance vector. The estimator builds the empirical third-order
// overlap tensor from raw observations (or accepts one precomputed), then
// fits confusion tables and class balance by minimizing the squared
// discrepancy between the analytic and observed tensors under simplex
// constraints.
//
// The moment-matching objective is invariant under relabeling of the K
// classes. The optimizer breaks this permutation symmetry by initializing
// every confusion table diagonal-dominant, relying on the domain assumption
// that LFs are on average better than random. This anchoring is heuristic:
// on near-uniform or adversarial LF populations the fit may still converge
// to a permuted labeling.
package classbalance
