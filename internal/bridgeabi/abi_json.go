package bridgeabi

// hopBridgeABIJSON is the subset of the Hop L1_Bridge and L2_Bridge ABIs the bonder calls or
// watches. Both share one method namespace, so a single ABI serves either side.
const hopBridgeABIJSON = `[
  {"type":"function","name":"bondWithdrawal","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"transferNonce","type":"bytes32"},{"name":"bonderFee","type":"uint256"}]},
  {"type":"function","name":"bondWithdrawalAndDistribute","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"transferNonce","type":"bytes32"},{"name":"bonderFee","type":"uint256"},
    {"name":"amountOutMin","type":"uint256"},{"name":"deadline","type":"uint256"}]},
  {"type":"function","name":"bondTransferRoot","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"rootHash","type":"bytes32"},{"name":"destinationChainId","type":"uint256"},
    {"name":"totalAmount","type":"uint256"}]},
  {"type":"function","name":"commitTransfers","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"destinationChainId","type":"uint256"}]},
  {"type":"function","name":"confirmTransferRoot","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"originChainId","type":"uint256"},{"name":"rootHash","type":"bytes32"},
    {"name":"destinationChainId","type":"uint256"},{"name":"totalAmount","type":"uint256"},
    {"name":"rootCommittedAt","type":"uint256"}]},
  {"type":"function","name":"settleBondedWithdrawals","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"bonder","type":"address"},{"name":"transferIds","type":"bytes32[]"},
    {"name":"totalAmount","type":"uint256"}]},
  {"type":"function","name":"settleBondedWithdrawal","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"bonder","type":"address"},{"name":"transferId","type":"bytes32"},
    {"name":"rootHash","type":"bytes32"},{"name":"transferRootTotalAmount","type":"uint256"},
    {"name":"transferIdTreeIndex","type":"uint256"},{"name":"siblings","type":"bytes32[]"},
    {"name":"totalLeaves","type":"uint256"}]},
  {"type":"function","name":"challengeTransferBond","stateMutability":"payable","outputs":[],"inputs":[
    {"name":"rootHash","type":"bytes32"},{"name":"originalAmount","type":"uint256"},
    {"name":"destinationChainId","type":"uint256"}]},
  {"type":"function","name":"resolveChallenge","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"rootHash","type":"bytes32"},{"name":"originalAmount","type":"uint256"},
    {"name":"destinationChainId","type":"uint256"}]},

  {"type":"function","name":"getCredit","stateMutability":"view","inputs":[{"name":"bonder","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getDebitAndAdditionalDebit","stateMutability":"view","inputs":[{"name":"bonder","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getIsBonder","stateMutability":"view","inputs":[{"name":"maybeBonder","type":"address"}],
    "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getBondedWithdrawalAmount","stateMutability":"view","inputs":[
    {"name":"bonder","type":"address"},{"name":"transferId","type":"bytes32"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isTransferIdSpent","stateMutability":"view","inputs":[{"name":"transferId","type":"bytes32"}],
    "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getTransferRoot","stateMutability":"view","inputs":[
    {"name":"rootHash","type":"bytes32"},{"name":"totalAmount","type":"uint256"}],
    "outputs":[{"name":"","type":"tuple","components":[
      {"name":"total","type":"uint256"},{"name":"amountWithdrawn","type":"uint256"},{"name":"createdAt","type":"uint256"}]}]},
  {"type":"function","name":"transferRootCommittedAt","stateMutability":"view","inputs":[
    {"name":"","type":"uint256"},{"name":"","type":"bytes32"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transferBonds","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],
    "outputs":[{"name":"bonder","type":"address"},{"name":"createdAt","type":"uint256"},
      {"name":"totalAmount","type":"uint256"},{"name":"challengeStartTime","type":"uint256"},
      {"name":"challenger","type":"address"},{"name":"challengeResolved","type":"bool"}]},
  {"type":"function","name":"pendingAmountForChainId","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"lastCommitTimeForChainId","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"minimumForceCommitDelay","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"minTransferRootBondDelay","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"challengePeriod","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getChallengeAmountForTransferAmount","stateMutability":"pure","inputs":[{"name":"amount","type":"uint256"}],
    "outputs":[{"name":"","type":"uint256"}]},

  {"type":"event","name":"TransferSent","anonymous":false,"inputs":[
    {"name":"transferId","type":"bytes32","indexed":true},{"name":"chainId","type":"uint256","indexed":true},
    {"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
    {"name":"transferNonce","type":"bytes32","indexed":false},{"name":"bonderFee","type":"uint256","indexed":false},
    {"name":"index","type":"uint256","indexed":false},{"name":"amountOutMin","type":"uint256","indexed":false},
    {"name":"deadline","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransfersCommitted","anonymous":false,"inputs":[
    {"name":"destinationChainId","type":"uint256","indexed":true},{"name":"rootHash","type":"bytes32","indexed":true},
    {"name":"totalAmount","type":"uint256","indexed":false},{"name":"rootCommittedAt","type":"uint256","indexed":false}]},
  {"type":"event","name":"WithdrawalBonded","anonymous":false,"inputs":[
    {"name":"transferId","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"WithdrawalBondSettled","anonymous":false,"inputs":[
    {"name":"bonder","type":"address","indexed":true},{"name":"transferId","type":"bytes32","indexed":true},
    {"name":"rootHash","type":"bytes32","indexed":true}]},
  {"type":"event","name":"MultipleWithdrawalsSettled","anonymous":false,"inputs":[
    {"name":"bonder","type":"address","indexed":true},{"name":"rootHash","type":"bytes32","indexed":true},
    {"name":"totalBondsSettled","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransferRootBonded","anonymous":false,"inputs":[
    {"name":"root","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransferRootConfirmed","anonymous":false,"inputs":[
    {"name":"originChainId","type":"uint256","indexed":true},{"name":"destinationChainId","type":"uint256","indexed":true},
    {"name":"rootHash","type":"bytes32","indexed":true},{"name":"totalAmount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransferRootSet","anonymous":false,"inputs":[
    {"name":"rootHash","type":"bytes32","indexed":true},{"name":"totalAmount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransferBondChallenged","anonymous":false,"inputs":[
    {"name":"transferRootId","type":"bytes32","indexed":true},{"name":"rootHash","type":"bytes32","indexed":true},
    {"name":"originalAmount","type":"uint256","indexed":false}]},
  {"type":"event","name":"ChallengeResolved","anonymous":false,"inputs":[
    {"name":"transferRootId","type":"bytes32","indexed":true},{"name":"rootHash","type":"bytes32","indexed":true},
    {"name":"originalAmount","type":"uint256","indexed":false}]}
]`
